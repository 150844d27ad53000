// Package admin 只读管理接口：健康检查、profile、进行中请求、规则统计、请求日志、指标与事件流
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"netgate/internal/journal"
	"netgate/internal/logger"
	"netgate/internal/service"
	"netgate/pkg/model"
)

// Gateway 管理接口需要的网关能力，api.Service 实现了它
type Gateway interface {
	Profiles() []model.ProfileInfo
	LiveRequests(ctx context.Context, id model.ProfileID) ([]model.PendingItem, error)
	RuleStats(id model.ProfileID) (model.EngineStats, error)
	SubscribeEvents(id model.ProfileID) (<-chan model.Event, func(), error)
}

// Config 管理接口参数
type Config struct {
	ListenAddr string
	Gateway    Gateway
	// Journal 为空时请求日志接口返回 404
	Journal *journal.Journal
	// Metrics 为空时不挂载 /metrics
	Metrics http.Handler
	// Extra 额外的状态，例如 CDP 计数，原样输出在 /status
	Extra  func() map[string]any
	Logger logger.Logger
}

// Server 管理接口
type Server struct {
	cfg      Config
	router   chi.Router
	upgrader websocket.Upgrader
	log      logger.Logger
	started  time.Time
}

// New 创建管理接口
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     cfg.Logger,
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/profiles", s.handleProfiles)
	r.Get("/profiles/{profile}/live", s.handleLive)
	r.Get("/profiles/{profile}/rules/stats", s.handleRuleStats)
	r.Get("/journal", s.handleJournal)
	r.Get("/journal/{requestID}", s.handleJournalRecord)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}
	r.Get("/ws/profiles/{profile}/events", s.handleEventsWS)
}

// ServeHTTP 实现 http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("管理接口请求", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

// Run 监听直到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("管理接口开始监听", "addr", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrProfileNotFound), errors.Is(err, journal.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Err(err, "管理接口处理失败")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"profiles": len(s.cfg.Gateway.Profiles()),
	}
	if j := s.cfg.Journal; j != nil {
		out["journal"] = map[string]int64{"written": j.Written(), "dropped": j.Dropped()}
	}
	if s.cfg.Extra != nil {
		for k, v := range s.cfg.Extra() {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Gateway.Profiles())
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id := model.ProfileID(chi.URLParam(r, "profile"))
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	items, err := s.cfg.Gateway.LiveRequests(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleRuleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Gateway.RuleStats(model.ProfileID(chi.URLParam(r, "profile")))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// recordView 请求日志的接口形态
type recordView struct {
	RequestID string    `json:"requestID"`
	Profile   string    `json:"profile"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Resource  string    `json:"resource"`
	Result    string    `json:"result"`
	Status    int       `json:"status,omitempty"`
	Attempts  int       `json:"attempts"`
	Bytes     int64     `json:"bytes"`
	Redirects []string  `json:"redirects"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func toView(rec journal.Record) recordView {
	redirects := rec.RedirectChain()
	if redirects == nil {
		redirects = []string{}
	}
	return recordView{
		RequestID: rec.RequestID,
		Profile:   rec.Profile,
		URL:       rec.URL,
		Method:    rec.Method,
		Resource:  rec.Resource,
		Result:    rec.Result,
		Status:    rec.Status,
		Attempts:  rec.Attempts,
		Bytes:     rec.Bytes,
		Redirects: redirects,
		Error:     rec.ErrorMessage(),
		CreatedAt: rec.CreatedAt,
	}
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	q := journal.Query{
		Profile: r.URL.Query().Get("profile"),
		Result:  r.URL.Query().Get("result"),
	}
	if ls := r.URL.Query().Get("limit"); ls != "" {
		v, err := strconv.Atoi(ls)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = v
	}
	recs, err := s.cfg.Journal.Recent(r.Context(), q)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJournalRecord(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	rec, err := s.cfg.Journal.Get(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(*rec))
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	id := model.ProfileID(chi.URLParam(r, "profile"))
	events, unsubscribe, err := s.cfg.Gateway.SubscribeEvents(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("升级 websocket 失败", "error", err)
		return
	}
	defer conn.Close()
	log := s.log.With("profile", string(id), "remote", r.RemoteAddr)
	log.Info("事件流已连接")

	// 读协程只用于感知客户端关闭
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "profile closed"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("写事件失败，断开", "error", err)
				return
			}
		case <-gone:
			log.Info("事件流已断开")
			return
		case <-r.Context().Done():
			return
		}
	}
}
