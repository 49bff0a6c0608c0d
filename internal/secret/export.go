package secret

import (
	"context"
	"sort"

	"github.com/joho/godotenv"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/pkg/models"
)

func sortSecrets(list []*Secret) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Path != list[j].Path {
			return list[i].Path < list[j].Path
		}
		return list[i].Key < list[j].Key
	})
}

// Env returns the readable secrets of one folder as a key/value map.
// A personal override replaces the shared value of the same key.
func (s *Service) Env(ctx context.Context, actor models.Actor, projectID, environment, path string) (map[string]string, error) {
	list, err := s.List(ctx, actor, projectID, environment, path, false)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]string, len(list))
	for _, sec := range list {
		if sec.ValueHidden {
			continue
		}
		v := sec.Value
		if sec.ValueOverride != "" {
			v = sec.ValueOverride
		}
		vars[sec.Key] = v
	}
	return vars, nil
}

// ExportDotEnv renders the readable secrets of one folder in .env format.
func (s *Service) ExportDotEnv(ctx context.Context, actor models.Actor, projectID, environment, path string) (string, error) {
	vars, err := s.Env(ctx, actor, projectID, environment, path)
	if err != nil {
		return "", err
	}
	out, err := godotenv.Marshal(vars)
	if err != nil {
		return "", apperr.Internal(err, "rendering dotenv")
	}
	return out + "\n", nil
}
