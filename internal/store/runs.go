package store

import (
	"context"
	"fmt"
	"time"
)

// StalledTransition records one run the watchdog reaped.
type StalledTransition struct {
	RunID     int64
	BuildID   int64
	Restarted bool // true: build re-queued as new, false: build stopped
}

// ReapStalledRuns transitions runs whose updated timestamp is older
// than cutoff: runs of active builds become stalled and their builds
// new; runs of stopping builds become stalled and their builds stopped.
// Everything happens in one transaction under row locks on the builds.
func (s *Store) ReapStalledRuns(ctx context.Context, cutoff time.Time) ([]StalledTransition, error) {
	var transitions []StalledTransition
	err := s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		rows, err := tx.tx.Query(ctx,
			`SELECT r.id, b.id, b.status FROM run r
			 JOIN build b ON b.id = r.build_id
			 WHERE r.updated < $1
			   AND r.status = 'active'
			   AND b.status IN ('active', 'stopping')
			 ORDER BY r.id
			 FOR UPDATE OF b`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to query stalled runs: %w", err)
		}
		type stale struct {
			runID, buildID int64
			buildStatus    string
		}
		var stales []stale
		for rows.Next() {
			var s stale
			if err := rows.Scan(&s.runID, &s.buildID, &s.buildStatus); err != nil {
				rows.Close()
				return err
			}
			stales = append(stales, s)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}

		for _, st := range stales {
			if _, err := tx.tx.Exec(ctx,
				`UPDATE run SET status = 'stalled' WHERE id = $1`, st.runID); err != nil {
				return fmt.Errorf("failed to stall run: %w", err)
			}
			next := "stopped"
			restarted := false
			if st.buildStatus == "active" {
				next = "new"
				restarted = true
			}
			if _, err := tx.tx.Exec(ctx,
				`UPDATE build SET status = $2 WHERE id = $1`, st.buildID, next); err != nil {
				return fmt.Errorf("failed to transition stalled build: %w", err)
			}
			transitions = append(transitions, StalledTransition{
				RunID:     st.runID,
				BuildID:   st.buildID,
				Restarted: restarted,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transitions, nil
}
