package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map runs mapFunc over the elements of an iterator, at most limit at once,
// and yields the results in completion order:
//
//	for result, err := range pmap.Iter(input) {}
//
// A canceled context, or a consumer which stops ranging, ends the fan-out:
// no further element is scheduled, the mapFuncs already running see a
// canceled context and Iter returns only once all of them returned.
type Map[E, D any] struct {
	parentCtx    context.Context
	cancelParent context.CancelFunc
	g            *errgroup.Group
	gctx         context.Context
	mapped       chan result[D]
	mapFunc      func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	parentCtx, cancelParent := context.WithCancel(parentCtx)
	g, gctx := errgroup.WithContext(parentCtx)
	g.SetLimit(limit + 1)

	return &Map[E, D]{
		parentCtx:    parentCtx,
		cancelParent: cancelParent,
		g:            g,
		gctx:         gctx,
		mapped:       make(chan result[D], limit),
		mapFunc:      mapFunc,
	}
}

func (s *Map[E, D]) goWorkers(seq iter.Seq2[E, error]) {
	s.g.Go(func() error {
		for entry, nerr := range seq {
			if nerr != nil {
				continue
			}
			if err := s.gctx.Err(); err != nil {
				return err
			}
			s.g.Go(func() error {
				d, scanErr := s.mapFunc(s.gctx, entry)
				select {
				case <-s.gctx.Done():
					return s.gctx.Err()
				default:
					s.mapped <- result[D]{d: d, e: scanErr}
				}
				return nil
			})
		}
		return nil
	})
}

// Iter schedules every element of seq and yields the results as they complete.
func (s *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		defer s.drain()
		s.goWorkers(seq)

		go func() {
			_ = s.g.Wait()
			close(s.mapped)
		}()

		for r := range s.mapped {
			if s.parentCtx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}

// drain cancels the remaining work and waits for the running mapFuncs,
// whose results are dropped.
func (s *Map[E, D]) drain() {
	s.cancelParent()
	for range s.mapped {
	}
}

// Slice adapts s to the input of Iter.
func Slice[E any](s []E) iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		for _, e := range s {
			if !yield(e, nil) {
				return
			}
		}
	}
}
