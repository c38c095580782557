package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/convoflow/convoflow/internal/models"
)

// DetectDSNType classifies a DSN as "postgres" or "sqlite" based on its
// shape. Anything that is not recognizably a PostgreSQL connection
// string is treated as an SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSON encodes v, returning "{}"-style empty documents for nil
// maps so columns stay NOT NULL friendly.
func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON column: %w", err)
	}
	return string(raw), nil
}

// keywordsToColumn joins trigger keywords for storage. Keywords are
// plain substrings, so a JSON array keeps ordering and embedded commas
// intact.
func keywordsToColumn(keywords []string) (string, error) {
	return marshalJSON(keywords)
}

func keywordsFromColumn(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// decodeStepRow turns raw step columns into a typed Step, decoding the
// config payload once per read.
func decodeStepRow(id, flowID, stepType string, isEntry bool, configJSON, fallbackJSON string) (*models.Step, error) {
	cfg, err := models.DecodeStepConfig(models.StepType(stepType), []byte(configJSON))
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", id, err)
	}
	step := &models.Step{
		ID:           id,
		FlowID:       flowID,
		Type:         models.StepType(stepType),
		IsEntryPoint: isEntry,
		Config:       cfg,
	}
	if fallbackJSON != "" {
		var fb models.FallbackConfig
		if err := json.Unmarshal([]byte(fallbackJSON), &fb); err != nil {
			return nil, fmt.Errorf("step %s fallback: %w", id, err)
		}
		step.Fallback = &fb
	}
	return step, nil
}

// encodeStepRow serializes the typed config and fallback back to JSON
// columns.
func encodeStepRow(s models.Step) (configJSON, fallbackJSON string, err error) {
	if s.Config != nil {
		configJSON, err = marshalJSON(s.Config)
		if err != nil {
			return "", "", err
		}
	}
	if s.Fallback != nil {
		fallbackJSON, err = marshalJSON(s.Fallback)
		if err != nil {
			return "", "", err
		}
	}
	return configJSON, fallbackJSON, nil
}
