// Package journal 把结束的请求异步写入 sqlite
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"netgate/internal/logger"
	"netgate/pkg/model"
)

// Record 一条请求记录
type Record struct {
	ID        uint   `gorm:"primaryKey"`
	RequestID string `gorm:"size:64;index"`
	Profile   string `gorm:"size:64;index"`
	URL       string
	Method    string `gorm:"size:16"`
	Resource  string `gorm:"size:32"`
	Result    string `gorm:"size:32;index"`
	Status    int
	Attempts  int
	Bytes     int64
	Redirects int
	Detail    string // JSON：redirects / error / finishedAt
	CreatedAt time.Time
}

// RedirectChain 从 Detail 中读取重定向链
func (r Record) RedirectChain() []string {
	var out []string
	for _, v := range gjson.Get(r.Detail, "redirects").Array() {
		out = append(out, v.String())
	}
	return out
}

// ErrorMessage 从 Detail 中读取错误信息
func (r Record) ErrorMessage() string { return gjson.Get(r.Detail, "error").String() }

// Options 日志库参数
type Options struct {
	DSN    string
	Prefix string
	Buffer int
	Logger logger.Logger
}

// Journal 请求日志，实现 loader.Observer
type Journal struct {
	db  *gorm.DB
	log logger.Logger

	mu      sync.RWMutex
	closed  bool
	ch      chan entry
	done    chan struct{}
	dropped atomic.Int64
	written atomic.Int64
}

var (
	// ErrClosed 日志库已关闭
	ErrClosed = errors.New("journal: closed")
	// ErrNotFound 没有对应记录
	ErrNotFound = errors.New("journal: record not found")
)

// Open 打开数据库并启动写入协程
func Open(opts Options) (*Journal, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.DSN == "" {
		opts.DSN = ":memory:"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	db, err := gorm.Open(sqlite.Open(opts.DSN), &gorm.Config{
		Logger:         NewGormLogger(opts.Logger),
		NamingStrategy: schema.NamingStrategy{TablePrefix: opts.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// sqlite 单写者；内存库在多连接下各自独立
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Record{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	j := &Journal{
		db:   db,
		log:  opts.Logger,
		ch:   make(chan entry, opts.Buffer),
		done: make(chan struct{}),
	}
	go j.loop()
	return j, nil
}

// Observe 只记录终止事件，缓冲区满时丢弃
func (j *Journal) Observe(ev model.Event) {
	if !ev.Terminal() {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- entry{ev: ev}:
	default:
		j.dropped.Add(1)
		j.log.Warn("请求日志缓冲已满，丢弃记录", "requestID", ev.RequestID)
	}
}

// Dropped 因缓冲区满被丢弃的记录数
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Written 已写入的记录数
func (j *Journal) Written() int64 { return j.written.Load() }

// entry 写入队列元素；flush 非空时表示刷新请求
type entry struct {
	ev    model.Event
	flush chan struct{}
}

func (j *Journal) loop() {
	defer close(j.done)
	batch := make([]Record, 0, 64)
	for e := range j.ch {
		var flushes []chan struct{}
		batch = batch[:0]
		add := func(e entry) {
			if e.flush != nil {
				flushes = append(flushes, e.flush)
				return
			}
			batch = append(batch, toRecord(e.ev))
		}
		add(e)
	drain:
		for len(batch) < cap(batch) {
			select {
			case more, ok := <-j.ch:
				if !ok {
					break drain
				}
				add(more)
			default:
				break drain
			}
		}
		j.write(batch)
		for _, f := range flushes {
			close(f)
		}
	}
}

func (j *Journal) write(batch []Record) {
	if len(batch) == 0 {
		return
	}
	if err := j.db.CreateInBatches(batch, len(batch)).Error; err != nil {
		j.log.Err(err, "写入请求日志失败", "count", len(batch))
		return
	}
	j.written.Add(int64(len(batch)))
}

func toRecord(ev model.Event) Record {
	detail := `{}`
	redirects := ev.Redirects
	if redirects == nil {
		redirects = []string{}
	}
	detail, _ = sjson.Set(detail, "redirects", redirects)
	if ev.Error != "" {
		detail, _ = sjson.Set(detail, "error", ev.Error)
	}
	detail, _ = sjson.Set(detail, "finishedAt", ev.Time.UTC().Format(time.RFC3339Nano))
	return Record{
		RequestID: ev.RequestID,
		Profile:   string(ev.Profile),
		URL:       ev.URL,
		Method:    ev.Method,
		Resource:  ev.Resource,
		Result:    ev.Result,
		Status:    ev.Status,
		Attempts:  ev.Attempt,
		Bytes:     ev.Bytes,
		Redirects: len(ev.Redirects),
		Detail:    detail,
	}
}

// Query 查询条件
type Query struct {
	Profile string
	Result  string
	Limit   int
}

// Recent 按时间倒序返回记录
func (j *Journal) Recent(ctx context.Context, q Query) ([]Record, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}
	tx := j.db.WithContext(ctx).Order("id desc").Limit(q.Limit)
	if q.Profile != "" {
		tx = tx.Where("profile = ?", q.Profile)
	}
	if q.Result != "" {
		tx = tx.Where("result = ?", q.Result)
	}
	var out []Record
	if err := tx.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	return out, nil
}

// Get 按请求ID查询最近一条记录
func (j *Journal) Get(ctx context.Context, requestID string) (*Record, error) {
	var rec Record
	err := j.db.WithContext(WithRequestID(ctx, requestID)).
		Where("request_id = ?", requestID).Order("id desc").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	return &rec, nil
}

// Flush 等待在此之前排队的记录写完
func (j *Journal) Flush(ctx context.Context) error {
	done := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	select {
	case j.ch <- entry{flush: done}:
		j.mu.RUnlock()
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止写入并关闭数据库，已排队的记录会写完
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	<-j.done
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
