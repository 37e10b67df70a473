package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("stock-service")
	require.NoError(t, err)

	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, "pharmaflow_stock", cfg.Database.Database)
	assert.Equal(t, "migrations", cfg.Database.MigrationsPath)
	assert.NotEmpty(t, cfg.RabbitMQ.URL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PHARMAFLOW_SERVER_PORT", "9090")
	t.Setenv("PHARMAFLOW_DATABASE_HOST", "db.internal")
	t.Setenv("PHARMAFLOW_DATABASE_PASSWORD", "secret")

	cfg, err := Load("stock-service")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "secret", cfg.Database.Password)
}

func TestDatabaseDSNAndURL(t *testing.T) {
	c := DatabaseConfig{
		Host: "localhost", Port: 5432, User: "stock", Password: "pw",
		Database: "pharmaflow_stock", SSLMode: "disable",
	}

	assert.Equal(t,
		"host=localhost port=5432 user=stock password=pw dbname=pharmaflow_stock sslmode=disable",
		c.DSN())
	assert.Equal(t,
		"postgres://stock:pw@localhost:5432/pharmaflow_stock?sslmode=disable",
		c.URL())
}

func TestValidateRejectsLocalhostInProduction(t *testing.T) {
	c := DatabaseConfig{Host: "localhost"}
	assert.Error(t, c.Validate(EnvProduction))
	assert.NoError(t, c.Validate(EnvDevelopment))
}
