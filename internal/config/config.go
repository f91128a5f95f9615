package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration, sourced from the environment
// (spec.md §6 "Environment").
type Config struct {
	Port string

	// DataDir roots the K/V database file and the search index directory.
	DataDir string

	// BaseURL is used when materialising self-referential schema URLs and
	// when constructing magic-link verification links.
	BaseURL string

	// MockEmail, when true, writes the magic-link payload to a file under
	// DataDir instead of sending it through a real mail transport.
	MockEmail bool

	JWTIssuer    string
	MagicLinkTTL time.Duration

	// OperatorEmails gates POST /reset/: the caller's JWT subject must
	// appear in this list.
	OperatorEmails []string
}

// MockEmailPath is the well-known file MockEmail writes to, under DataDir.
func (c *Config) MockEmailPath() string {
	return filepath.Join(c.DataDir, "mock-email.json")
}

// DBPath is the bbolt database file, under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "eventstore.db")
}

// IndexPath is the bleve index directory, under DataDir.
func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir, "index")
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}

	baseURL := os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}

	mockEmail, _ := strconv.ParseBool(os.Getenv("MOCK_EMAIL"))

	jwtIssuer := os.Getenv("JWT_ISSUER")
	if jwtIssuer == "" {
		jwtIssuer = "eventstore"
	}

	magicLinkTTL := 15 * time.Minute
	if raw := os.Getenv("MAGIC_LINK_TTL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			magicLinkTTL = d
		}
	}

	var operatorEmails []string
	if raw := os.Getenv("OPERATOR_EMAILS"); raw != "" {
		for _, e := range strings.Split(raw, ",") {
			if e = strings.TrimSpace(e); e != "" {
				operatorEmails = append(operatorEmails, e)
			}
		}
	}

	return &Config{
		Port:           port,
		DataDir:        dataDir,
		BaseURL:        baseURL,
		MockEmail:      mockEmail,
		JWTIssuer:      jwtIssuer,
		MagicLinkTTL:   magicLinkTTL,
		OperatorEmails: operatorEmails,
	}
}

// IsOperator reports whether email is present in OperatorEmails.
func (c *Config) IsOperator(email string) bool {
	for _, e := range c.OperatorEmails {
		if e == email {
			return true
		}
	}
	return false
}
