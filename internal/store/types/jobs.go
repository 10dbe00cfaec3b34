package types

import (
	"fmt"
	"strings"
)

// Strategy selects which files a run copies.
type Strategy string

const (
	StrategyFull         Strategy = "full"
	StrategyDifferential Strategy = "differential"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyFull, "":
		return StrategyFull, nil
	case StrategyDifferential, "diff":
		return StrategyDifferential, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

func (s Strategy) Valid() bool {
	return s == StrategyFull || s == StrategyDifferential
}

type BackupJob struct {
	Name       string   `json:"name"`
	SourceDir  string   `json:"source_dir"`
	TargetDir  string   `json:"target_dir"`
	Strategy   Strategy `json:"strategy"`
	Exclusions []string `json:"exclusions,omitempty"`
	Comment    string   `json:"comment,omitempty"`
	CreatedAt  int64    `json:"created_at"`
}
