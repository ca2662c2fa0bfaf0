package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/taskhive/taskhive/pkg/models"
)

// TaskerDirectory is the read interface over tasker profiles. Lookups
// are snapshots taken at decision time; the engine never writes back.
type TaskerDirectory interface {
	ListByCategory(ctx context.Context, category string) ([]models.TaskerProfile, error)
	GetProfile(ctx context.Context, taskerID uuid.UUID) (models.TaskerProfile, error)
}

// Weights is the versioned soft-ranking configuration. The components
// are applied to normalized [0,1] signals and summed.
type Weights struct {
	Version        string
	Rating         float64
	AcceptanceRate float64
	CompletionRate float64
	Proximity      float64
	Recency        float64
}

// DefaultWeights returns the baseline ranking configuration.
func DefaultWeights() Weights {
	return Weights{
		Version:        "v1",
		Rating:         0.35,
		AcceptanceRate: 0.15,
		CompletionRate: 0.20,
		Proximity:      0.20,
		Recency:        0.10,
	}
}

// recencyHorizon is the window over which the last-active signal decays
// to zero.
const recencyHorizon = 30 * 24 * time.Hour

// Matcher computes the ranked candidate list for a posted task.
type Matcher struct {
	directory TaskerDirectory
	cfg       Config
	logger    Logger
	now       func() time.Time
}

func NewMatcher(directory TaskerDirectory, cfg Config, logger Logger) *Matcher {
	return &Matcher{directory: directory, cfg: cfg, logger: logger, now: time.Now}
}

// Rank returns the eligible candidates for a task, best first. The
// directory call is bounded by the configured match timeout; hitting it
// means "no candidates yet" and returns an empty list, not an error.
func (m *Matcher) Rank(ctx context.Context, task models.Task) ([]models.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.MatchTimeout)
	defer cancel()

	profiles, err := m.directory.ListByCategory(ctx, task.Category)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			m.logger.Infof("Matching timed out for task %s, returning no candidates", task.ID)
			return nil, nil
		}
		return nil, &ExternalFailure{Op: "tasker directory lookup", Err: err}
	}

	now := m.now()
	candidates := make([]rankedProfile, 0, len(profiles))
	for _, p := range profiles {
		distanceKm, ok := m.eligible(task, p)
		if !ok {
			continue
		}
		score := ScoreCandidate(m.cfg.Weights, p, distanceKm, now)
		candidates = append(candidates, rankedProfile{profile: p, distanceKm: distanceKm, score: score})
	}
	sortCandidates(candidates)

	out := make([]models.Candidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, models.Candidate{
			TaskerID:    c.profile.TaskerID,
			Score:       c.score,
			DistanceKm:  c.distanceKm,
			Explanation: explain(c.profile, c.distanceKm),
		})
	}
	m.logger.Infof("Ranked %d candidates for task %s (weights %s)", len(out), task.ID, m.cfg.Weights.Version)
	return out, nil
}

// Eligible checks the hard constraints for a single tasker against a
// task and returns the distance when the tasker qualifies.
func (m *Matcher) Eligible(ctx context.Context, task models.Task, taskerID uuid.UUID) (float64, error) {
	profile, err := m.directory.GetProfile(ctx, taskerID)
	if err != nil {
		return 0, &ExternalFailure{Op: "tasker profile lookup", Err: err}
	}
	distanceKm, ok := m.eligible(task, profile)
	if !ok {
		return 0, validationf("tasker %s is not eligible for task %s", taskerID, task.ID)
	}
	return distanceKm, nil
}

func (m *Matcher) eligible(task models.Task, p models.TaskerProfile) (float64, bool) {
	if p.Status != models.TaskerActive {
		return 0, false
	}
	if !p.HasCategory(task.Category) {
		return 0, false
	}
	distanceKm := haversineKm(task.Location.Lat, task.Location.Lng, p.Lat, p.Lng)
	if distanceKm > p.ServiceRadiusKm {
		return 0, false
	}
	return distanceKm, true
}

type rankedProfile struct {
	profile    models.TaskerProfile
	distanceKm float64
	score      float64
}

// sortCandidates orders by score descending with a deterministic
// tie-break: completion rate, then distance, then earliest profile
// creation. Two calls over identical snapshots produce identical order.
func sortCandidates(candidates []rankedProfile) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.profile.CompletionRate != b.profile.CompletionRate {
			return a.profile.CompletionRate > b.profile.CompletionRate
		}
		if a.distanceKm != b.distanceKm {
			return a.distanceKm < b.distanceKm
		}
		return a.profile.CreatedAt.Before(b.profile.CreatedAt)
	})
}

// ScoreCandidate is the pure weighted-sum scoring function. All signals
// are clamped to [0,1] before weighting.
func ScoreCandidate(w Weights, p models.TaskerProfile, distanceKm float64, now time.Time) float64 {
	rating := clamp01(p.Rating / 5)
	proximity := 0.0
	if p.ServiceRadiusKm > 0 {
		proximity = clamp01(1 - distanceKm/p.ServiceRadiusKm)
	}
	recency := clamp01(1 - now.Sub(p.LastActiveAt).Hours()/recencyHorizon.Hours())
	return w.Rating*rating +
		w.AcceptanceRate*clamp01(p.AcceptanceRate) +
		w.CompletionRate*clamp01(p.CompletionRate) +
		w.Proximity*proximity +
		w.Recency*recency
}

func explain(p models.TaskerProfile, distanceKm float64) string {
	return fmt.Sprintf("rating %.1f/5, %.0f%% completion, %.0f%% acceptance, %.1fkm away",
		p.Rating, p.CompletionRate*100, p.AcceptanceRate*100, distanceKm)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
