package crawl

import "container/heap"

// Candidate — элемент фронтира обхода: ссылка на канал и контекст её
// появления. HitRate и RecentBonus наследуются от родительского канала
// и влияют только на приоритет, не на обработку.
type Candidate struct {
	Ref         string
	Depth       int
	HitRate     float64
	Seed        bool
	RecentBonus float64
}

// Weights — веса составляющих приоритета. Приоритет меньше — канал
// обрабатывается раньше, поэтому «хорошие» веса отрицательны.
type Weights struct {
	HitRate     float64
	Depth       float64
	SeedBonus   float64
	RecentBonus float64
}

// Priority вычисляет приоритет кандидата по весам.
func (w Weights) Priority(c Candidate) float64 {
	p := w.HitRate*c.HitRate + w.Depth*float64(c.Depth)
	if c.Seed {
		p += w.SeedBonus
	}
	p += w.RecentBonus * c.RecentBonus
	return p
}

// Frontier — очередь кандидатов с приоритетом. Кандидаты с равным
// приоритетом выходят в порядке добавления: seq растёт монотонно и
// разрешает ничьи детерминированно.
type Frontier struct {
	weights Weights
	heap    candidateHeap
	seq     int
}

// NewFrontier создаёт пустой фронтир с заданными весами.
func NewFrontier(weights Weights) *Frontier {
	return &Frontier{weights: weights}
}

// Push добавляет кандидата во фронтир.
func (f *Frontier) Push(c Candidate) {
	f.seq++
	heap.Push(&f.heap, &frontierItem{
		candidate: c,
		priority:  f.weights.Priority(c),
		seq:       f.seq,
	})
}

// Pop извлекает кандидата с минимальным приоритетом.
func (f *Frontier) Pop() (Candidate, bool) {
	if f.heap.Len() == 0 {
		return Candidate{}, false
	}
	item := heap.Pop(&f.heap).(*frontierItem)
	return item.candidate, true
}

// Len возвращает число кандидатов во фронтире.
func (f *Frontier) Len() int {
	return f.heap.Len()
}

type frontierItem struct {
	candidate Candidate
	priority  float64
	seq       int
}

type candidateHeap []*frontierItem

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) { *h = append(*h, x.(*frontierItem)) }

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
