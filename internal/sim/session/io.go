package session

import (
	"context"
	"time"

	"idlegrove.app/internal/persistence/snapshot"
)

const ioTimeout = 10 * time.Second

// offerLatest replaces whatever is queued with v; the loop never blocks on I/O.
func offerLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

func (s *Session) enqueueSave() {
	if s.cfg.Store == nil || !s.state.Loaded {
		return
	}
	offerLatest(s.saveQ, s.m.Export(s.state, s.cfg.PlayerID, s.cfg.Clock.Now()))
}

func (s *Session) enqueueScore() {
	if !s.reportsScores() {
		return
	}
	offerLatest(s.scoreQ, Score{
		PlayerID:    s.cfg.PlayerID,
		DisplayName: s.cfg.DisplayName,
		Score:       s.state.Score(),
		UpdatedAt:   s.cfg.Clock.Now(),
	})
}

func (s *Session) saveLoop() {
	defer s.bg.Done()
	for save := range s.saveQ {
		s.writeSave(context.Background(), save, ioTimeout)
	}
}

func (s *Session) writeSave(parent context.Context, save snapshot.SaveV1, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	if err := s.cfg.Store.WriteSave(ctx, save); err != nil {
		s.savesFailed.Add(1)
		s.printf("player=%s save: %v", s.cfg.PlayerID, err)
		return
	}
	s.savesOK.Add(1)
}

func (s *Session) scoreLoop() {
	defer s.bg.Done()
	for sc := range s.scoreQ {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		err := s.cfg.Scores.UpsertScore(ctx, sc)
		cancel()
		if err != nil {
			s.scoresFailed.Add(1)
			s.printf("player=%s leaderboard upsert: %v", s.cfg.PlayerID, err)
			continue
		}
		s.scoresOK.Add(1)
	}
}

// teardown drains the background writers, then persists the final state synchronously.
func (s *Session) teardown() {
	if s.despawn != nil {
		s.despawn.Stop()
		s.despawn = nil
	}
	close(s.saveQ)
	if s.reportsScores() {
		offerLatest(s.scoreQ, Score{
			PlayerID:    s.cfg.PlayerID,
			DisplayName: s.cfg.DisplayName,
			Score:       s.state.Score(),
			UpdatedAt:   s.cfg.Clock.Now(),
		})
		close(s.scoreQ)
	}
	s.bg.Wait()

	if s.cfg.Store != nil && s.state.Loaded {
		save := s.m.Export(s.state, s.cfg.PlayerID, s.cfg.Clock.Now())
		s.writeSave(context.Background(), save, s.cfg.Tuning.TeardownSave())
	}
}
