// Package resolver — преобразование ссылок на каналы в сущности Telegram.
// Краулер и дискавери оперируют ссылками в разношёрстных формах (@имя,
// голое имя, t.me/имя, инвайт t.me/+hash); резолвер приводит их к единому
// виду, резолвит через MTProto и кеширует результат в памяти со снапшотом
// в bbolt — access hash канала без кеша пришлось бы запрашивать заново
// после каждого рестарта.
//
// Политика FLOOD_WAIT едина для всех вызовов: короткое ожидание
// высиживается с добивкой и запрос повторяется один раз, длинное
// отдаётся наверх как нерешённое.
package resolver

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	bolt "go.etcd.io/bbolt"

	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/infra/storage"
)

// Entity — канал или супергруппа в терминах конвейера. Доменные пакеты
// не видят типов MTProto, им достаточно этих полей.
type Entity struct {
	ID           int64  `json:"id"`
	AccessHash   int64  `json:"access_hash"`
	Username     string `json:"username"`
	Title        string `json:"title"`
	Kind         string `json:"kind"`
	Participants int    `json:"participants"`
}

// Виды сущностей после канонизации.
const (
	KindChannel    = "channel"
	KindSupergroup = "supergroup"
)

// FloodWaitError — лимит Telegram на частоту запросов. Seconds — сколько
// сервер требует подождать до повтора.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return "FLOOD_WAIT " + strconv.Itoa(e.Seconds) + "s"
}

// AsFloodWait извлекает длительность ожидания из цепочки ошибок.
func AsFloodWait(err error) (int, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Seconds, true
	}
	return 0, false
}

// API — срез клиента Telegram, нужный резолверу.
type API interface {
	ResolveUsername(ctx context.Context, username string) (Entity, error)
	ImportInvite(ctx context.Context, hash string) (Entity, error)
	JoinChannel(ctx context.Context, ent Entity) error
}

// Options — параметры политики ожидания FLOOD_WAIT.
type Options struct {
	// MaxWaitOnFlood — верхняя граница высиживаемого ожидания, секунды.
	MaxWaitOnFlood int
	// FloodPadding — добивка к ожиданию сервера, секунды.
	FloodPadding int
	// SnapshotPath — файл bbolt со снапшотом кеша; пустая строка выключает снапшот.
	SnapshotPath string
	// Sleep подменяется в тестах. nil — контекстное ожидание реального времени.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Resolver кеширует резолв ссылок на каналы.
type Resolver struct {
	api  API
	opts Options

	mu         sync.Mutex
	byUsername map[string]Entity
	byID       map[int64]Entity
}

const snapshotBucket = "entities"

// New создаёт резолвер и загружает снапшот кеша, если тот есть на диске.
func New(api API, opts Options) *Resolver {
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	r := &Resolver{
		api:        api,
		opts:       opts,
		byUsername: make(map[string]Entity),
		byID:       make(map[int64]Entity),
	}
	if opts.SnapshotPath != "" {
		if err := r.loadSnapshot(); err != nil {
			logger.Warnf("resolver: load snapshot: %v", err)
		}
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NormalizeRef приводит ссылку к каноническому виду: имя пользователя в
// нижнем регистре без @ и префиксов t.me, либо "+hash" для инвайтов.
func NormalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/", "telegram.me/"} {
		if rest, ok := strings.CutPrefix(ref, prefix); ok {
			ref = rest
			break
		}
	}
	if rest, ok := strings.CutPrefix(ref, "joinchat/"); ok {
		ref = "+" + rest
	}
	ref = strings.TrimPrefix(ref, "@")
	// Хвост вида имя/123 — ссылка на сообщение, сам канал до слеша.
	if idx := strings.IndexByte(ref, '/'); idx >= 0 {
		ref = ref[:idx]
	}
	if strings.HasPrefix(ref, "+") {
		return ref
	}
	return strings.ToLower(ref)
}

// IsInvite сообщает, является ли нормализованная ссылка инвайтом.
func IsInvite(ref string) bool {
	return strings.HasPrefix(ref, "+")
}

// InviteHash возвращает hash инвайт-ссылки без ведущего плюса.
func InviteHash(ref string) string {
	return strings.TrimPrefix(ref, "+")
}

// Resolve превращает ссылку в сущность. Результаты кешируются, инвайты
// не кешируются по ссылке (hash одноразовый), но попадают в кеш по id.
func (r *Resolver) Resolve(ctx context.Context, ref string) (Entity, error) {
	ref = NormalizeRef(ref)
	if ref == "" {
		return Entity{}, errors.New("empty channel ref")
	}

	if !IsInvite(ref) {
		r.mu.Lock()
		ent, ok := r.byUsername[ref]
		r.mu.Unlock()
		if ok {
			return ent, nil
		}
	}

	ent, err := r.withFloodRetry(ctx, func() (Entity, error) {
		if IsInvite(ref) {
			return r.api.ImportInvite(ctx, InviteHash(ref))
		}
		return r.api.ResolveUsername(ctx, ref)
	})
	if err != nil {
		return Entity{}, errors.Wrapf(err, "resolve %q", ref)
	}

	r.remember(ent)
	return ent, nil
}

// ByID возвращает сущность из кеша по id чата.
func (r *Resolver) ByID(id int64) (Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.byID[id]
	return ent, ok
}

// EnsureJoin вступает в канал, если аккаунт ещё не участник. Ошибки
// вступления (приватный канал, бан, лимиты) не фатальны для обхода:
// они логируются, канал просто пропускается вызывающим кодом.
func (r *Resolver) EnsureJoin(ctx context.Context, ent Entity) {
	_, err := r.withFloodRetry(ctx, func() (Entity, error) {
		return ent, r.api.JoinChannel(ctx, ent)
	})
	if err != nil {
		logger.Debugf("resolver: join %s: %v", entityRef(ent), err)
	}
}

// Refresh заново резолвит все каналы из кеша, обновляя заголовки,
// имена и счётчики участников, и сохраняет снапшот.
func (r *Resolver) Refresh(ctx context.Context) {
	r.mu.Lock()
	usernames := make([]string, 0, len(r.byUsername))
	for u := range r.byUsername {
		usernames = append(usernames, u)
	}
	r.mu.Unlock()

	for _, u := range usernames {
		if ctx.Err() != nil {
			return
		}
		ent, err := r.withFloodRetry(ctx, func() (Entity, error) {
			return r.api.ResolveUsername(ctx, u)
		})
		if err != nil {
			logger.Debugf("resolver: refresh @%s: %v", u, err)
			continue
		}
		r.remember(ent)
	}

	if err := r.SaveSnapshot(); err != nil {
		logger.Warnf("resolver: save snapshot: %v", err)
	}
}

// withFloodRetry выполняет вызов с единой политикой FLOOD_WAIT:
// высиживаемое ожидание — пауза с добивкой и ровно один повтор,
// остальное уходит наверх.
func (r *Resolver) withFloodRetry(ctx context.Context, call func() (Entity, error)) (Entity, error) {
	ent, err := call()
	if err == nil {
		return ent, nil
	}

	seconds, ok := AsFloodWait(err)
	if !ok || seconds > r.opts.MaxWaitOnFlood {
		return Entity{}, err
	}

	wait := time.Duration(seconds+r.opts.FloodPadding) * time.Second
	logger.Debugf("resolver: FLOOD_WAIT %ds, sleeping %s before retry", seconds, wait)
	if err := r.opts.Sleep(ctx, wait); err != nil {
		return Entity{}, err
	}
	return call()
}

func (r *Resolver) remember(ent Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ent.Username != "" {
		r.byUsername[strings.ToLower(ent.Username)] = ent
	}
	r.byID[ent.ID] = ent
}

func entityRef(ent Entity) string {
	if ent.Username != "" {
		return "@" + ent.Username
	}
	return strconv.FormatInt(ent.ID, 10)
}

// SaveSnapshot сохраняет кеш в bbolt. Снапшот — оптимизация холодного
// старта, его потеря не ошибка, поэтому формат простой: bucket entities,
// ключ — id, значение — JSON сущности.
func (r *Resolver) SaveSnapshot() error {
	if r.opts.SnapshotPath == "" {
		return nil
	}
	if err := storage.EnsureDir(r.opts.SnapshotPath); err != nil {
		return err
	}

	r.mu.Lock()
	entities := make([]Entity, 0, len(r.byID))
	for _, ent := range r.byID {
		entities = append(entities, ent)
	}
	r.mu.Unlock()

	db, err := bolt.Open(r.opts.SnapshotPath, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return errors.Wrap(err, "open snapshot db")
	}
	defer func() { _ = db.Close() }()

	return db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(snapshotBucket))
		if err != nil {
			return err
		}
		for _, ent := range entities {
			raw, err := json.Marshal(ent)
			if err != nil {
				return err
			}
			key := strconv.AppendInt(nil, ent.ID, 10)
			if err := bucket.Put(key, raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Resolver) loadSnapshot() error {
	db, err := bolt.Open(r.opts.SnapshotPath, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return errors.Wrap(err, "open snapshot db")
	}
	defer func() { _ = db.Close() }()

	return db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(snapshotBucket))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, raw []byte) error {
			var ent Entity
			if err := json.Unmarshal(raw, &ent); err != nil {
				logger.Warnf("resolver: skip broken snapshot entry: %v", err)
				return nil
			}
			r.remember(ent)
			return nil
		})
	})
}
