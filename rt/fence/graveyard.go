package fence

import "sort"

// Releaser is anything with a GPU lifetime.
type Releaser interface {
	Release()
}

type grave struct {
	value uint64
	res   []Releaser
}

// Graveyard defers releasing resources until the GPU has finished with
// them. Each burial is tagged with the fence value of the last submission
// that references the resources.
type Graveyard struct {
	sync   *Synchronizer
	graves []grave
}

func NewGraveyard(s *Synchronizer) *Graveyard {
	return &Graveyard{sync: s}
}

// Bury schedules res for release once v completes.
func (g *Graveyard) Bury(v uint64, res ...Releaser) {
	if len(res) == 0 {
		return
	}
	i := sort.Search(len(g.graves), func(i int) bool { return g.graves[i].value > v })
	g.graves = append(g.graves, grave{})
	copy(g.graves[i+1:], g.graves[i:])
	g.graves[i] = grave{value: v, res: res}
}

// Collect releases everything whose fence value has completed and returns
// the number of resources released.
func (g *Graveyard) Collect() int {
	done := g.sync.CompletedValue()
	n, released := 0, 0
	for ; n < len(g.graves) && g.graves[n].value <= done; n++ {
		for _, r := range g.graves[n].res {
			r.Release()
			released++
		}
	}
	g.graves = append(g.graves[:0], g.graves[n:]...)
	return released
}

// Len is the number of resources awaiting release.
func (g *Graveyard) Len() int {
	n := 0
	for _, gr := range g.graves {
		n += len(gr.res)
	}
	return n
}

// Drain flushes the queue and releases everything.
func (g *Graveyard) Drain() error {
	if err := g.sync.Flush(); err != nil {
		return err
	}
	g.Collect()
	return nil
}
