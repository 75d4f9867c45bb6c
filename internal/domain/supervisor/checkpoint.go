// Контрольная точка обслуживания поверх JSON‑файла с ленивой загрузкой,
// потокобезопасным доступом (mutex) и атомарной записью на диск. Назначение —
// переживать рестарты коллектора: живой поток получает список целей сразу,
// не дожидаясь первого прохода обслуживания, а цикл не начинает проход
// раньше срока, если процесс перезапустили посреди интервала.

package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/infra/storage"
)

// CheckpointState — сериализуемая схема JSON‑файла. Ключи полей стабилизированы,
// чтобы возможные миграции были обратимы и предсказуемы.
type CheckpointState struct {
	LastRun time.Time `json:"last_run"`
	Targets []string  `json:"targets"`
	ChatIDs []int64   `json:"chat_ids"`
}

// Checkpoint — потокобезопасная контрольная точка обслуживания.
//   - path — путь к JSON‑файлу.
//   - loaded — признак ленивой инициализации из файла (истина после первой load()).
//
// Все публичные методы вызывают load() под блокировкой mux.
type Checkpoint struct {
	path string

	mux    sync.Mutex
	loaded bool
	state  CheckpointState
}

// NewCheckpoint создаёт контрольную точку с отложенной загрузкой с диска.
// Конструктор не трогает файловую систему: читаем/создаём файл при первом обращении.
func NewCheckpoint(path string) *Checkpoint {
	return &Checkpoint{path: path}
}

// load выполняет ленивую загрузку состояния из файла. Вызывается под mux.
func (c *Checkpoint) load() error {
	if c.loaded {
		return nil
	}
	clean := filepath.Clean(c.path)
	if err := storage.EnsureDir(clean); err != nil {
		return err
	}

	bytes, err := os.ReadFile(clean)
	if os.IsNotExist(err) || len(bytes) == 0 {
		c.state = CheckpointState{}
		c.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}

	var st CheckpointState
	if uErr := json.Unmarshal(bytes, &st); uErr != nil {
		// Битый JSON — продолжаем с пустым состоянием, файл перезапишется
		// при следующем сохранении.
		logger.Warnf("checkpoint: failed to decode %s: %v; starting empty", clean, uErr)
		st = CheckpointState{}
	}
	c.state = st
	c.loaded = true
	return nil
}

// Snapshot возвращает копию текущего состояния контрольной точки.
func (c *Checkpoint) Snapshot() (CheckpointState, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if err := c.load(); err != nil {
		return CheckpointState{}, err
	}
	st := c.state
	st.Targets = append([]string(nil), c.state.Targets...)
	st.ChatIDs = append([]int64(nil), c.state.ChatIDs...)
	return st, nil
}

// Record фиксирует результат прохода обслуживания и атомарно пишет файл.
// Используется storage.AtomicWriteFile, чтобы не оставлять битых файлов.
func (c *Checkpoint) Record(targets []string, chatIDs []int64) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if err := c.load(); err != nil {
		return err
	}
	c.state = CheckpointState{
		LastRun: time.Now().UTC(),
		Targets: append([]string(nil), targets...),
		ChatIDs: append([]int64(nil), chatIDs...),
	}
	enc, err := json.MarshalIndent(c.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return storage.AtomicWriteFile(filepath.Clean(c.path), enc)
}
