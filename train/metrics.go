// Tracks run-wide training metrics such as episode rewards, outcomes,
// update statistics, and throughput.

package train

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Metrics aggregates statistics about one training run for final
// reporting. Useful for comparing runs and debugging reward behavior over
// time.
type Metrics struct {
	TotalSteps       int       // Coordinator steps executed
	TotalExperiences int       // Transitions collected
	TotalEpisodes    int       // Episodes completed across all slots
	TotalUpdates     int       // Learner updates performed
	StartedAt        time.Time // Wall-clock start of the run

	EpisodeRewards []float64      // Mean per-agent reward of each finished episode
	StageEpisodes  map[string]int // Episodes finished per curriculum stage
}

// NewMetrics returns an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		StartedAt:     time.Now(),
		StageEpisodes: make(map[string]int),
	}
}

// RecordEpisode records one finished episode's mean reward under a stage.
func (m *Metrics) RecordEpisode(stage string, reward float64) {
	m.TotalEpisodes++
	m.EpisodeRewards = append(m.EpisodeRewards, reward)
	if stage != "" {
		m.StageEpisodes[stage]++
	}
}

// MeanEpisodeReward returns the mean over all recorded episodes.
func (m *Metrics) MeanEpisodeReward() float64 {
	if len(m.EpisodeRewards) == 0 {
		return 0
	}
	return stat.Mean(m.EpisodeRewards, nil)
}

// Print displays aggregated metrics at the end of the run.
func (m *Metrics) Print() {
	fmt.Println("=== Training Metrics ===")
	fmt.Printf("Coordinator Steps    : %d\n", m.TotalSteps)
	fmt.Printf("Experiences Collected: %d\n", m.TotalExperiences)
	fmt.Printf("Episodes Completed   : %d\n", m.TotalEpisodes)
	fmt.Printf("Learner Updates      : %d\n", m.TotalUpdates)
	if len(m.EpisodeRewards) > 0 {
		mean, std := stat.MeanStdDev(m.EpisodeRewards, nil)
		fmt.Printf("Episode Reward       : %.3f ± %.3f\n", mean, std)
	}
	fmt.Printf("Elapsed              : %s\n", time.Since(m.StartedAt).Round(time.Second))
}

// metricsOutput is the JSON shape written by SaveResults.
type metricsOutput struct {
	TotalSteps        int            `json:"total_steps"`
	TotalExperiences  int            `json:"total_experiences"`
	TotalEpisodes     int            `json:"total_episodes"`
	TotalUpdates      int            `json:"total_updates"`
	MeanEpisodeReward float64        `json:"mean_episode_reward"`
	StdEpisodeReward  float64        `json:"std_episode_reward"`
	StageEpisodes     map[string]int `json:"stage_episodes"`
	ElapsedSeconds    float64        `json:"elapsed_seconds"`
}

// SaveResults writes the aggregated metrics as JSON.
func (m *Metrics) SaveResults(path string) error {
	mean, std := 0.0, 0.0
	if len(m.EpisodeRewards) > 0 {
		mean, std = stat.MeanStdDev(m.EpisodeRewards, nil)
	}
	out := metricsOutput{
		TotalSteps:        m.TotalSteps,
		TotalExperiences:  m.TotalExperiences,
		TotalEpisodes:     m.TotalEpisodes,
		TotalUpdates:      m.TotalUpdates,
		MeanEpisodeReward: mean,
		StdEpisodeReward:  std,
		StageEpisodes:     m.StageEpisodes,
		ElapsedSeconds:    time.Since(m.StartedAt).Seconds(),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
