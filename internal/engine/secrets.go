package engine

import (
	"context"
	"fmt"
	"strings"
)

// S3Secret holds the credentials DuckDB uses to read published containers
// through httpfs.
type S3Secret struct {
	Name     string
	KeyID    string
	Secret   string
	Endpoint string
	Region   string
	URLStyle string // "path" or "vhost"; defaults to "path"
}

// CreateS3SecretSQL returns the CREATE SECRET statement for s.
func CreateS3SecretSQL(s S3Secret) (string, error) {
	if s.Name == "" {
		return "", fmt.Errorf("secret name is required")
	}
	style := s.URLStyle
	if style == "" {
		style = "path"
	}
	parts := []string{"TYPE S3"}
	if s.KeyID != "" {
		parts = append(parts, "KEY_ID "+quoteLiteral(s.KeyID), "SECRET "+quoteLiteral(s.Secret))
	}
	if s.Endpoint != "" {
		parts = append(parts, "ENDPOINT "+quoteLiteral(stripScheme(s.Endpoint)))
		if strings.HasPrefix(s.Endpoint, "http://") {
			parts = append(parts, "USE_SSL false")
		}
	}
	if s.Region != "" {
		parts = append(parts, "REGION "+quoteLiteral(s.Region))
	}
	parts = append(parts, "URL_STYLE "+quoteLiteral(style))
	return fmt.Sprintf("CREATE OR REPLACE SECRET %s (\n\t%s\n)", quoteIdent(s.Name), strings.Join(parts, ",\n\t")), nil
}

// EnableS3 loads httpfs and registers the secret so read_parquet accepts
// s3:// locations.
func (s *Session) EnableS3(ctx context.Context, secret S3Secret) error {
	stmt, err := CreateS3SecretSQL(secret)
	if err != nil {
		return fmt.Errorf("build DDL: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, "INSTALL httpfs; LOAD httpfs;"); err != nil {
		return fmt.Errorf("extension setup (httpfs): %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create S3 secret %q: %w", secret.Name, err)
	}
	return nil
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
