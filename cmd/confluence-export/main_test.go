package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borgius/confluence-exporter-sub000/internal/config"
)

func TestApplyFlags_OverridesOnlySetValues(t *testing.T) {
	cfg := config.Default()
	cfg.Concurrency = 8

	flags := &exportFlags{spaceKey: "SPACE", rootPageID: "123", concurrency: 0}
	applyFlags(&cfg, flags)

	assert.Equal(t, "SPACE", cfg.SpaceKey)
	assert.Equal(t, "123", cfg.RootPageID)
	assert.Equal(t, 8, cfg.Concurrency, "a zero flag value must not clobber the configured default")
}

func TestApplyFlags_ResumeBooleansOnlyTurnOn(t *testing.T) {
	cfg := config.Default()
	cfg.Resume.ForceResume = true

	flags := &exportFlags{validateIntegrity: true}
	applyFlags(&cfg, flags)

	assert.True(t, cfg.Resume.ForceResume, "flag left false must not turn an already-set option off")
}

func TestBuildCollaborators_MissingCredentialsIsAnError(t *testing.T) {
	_, _, err := buildCollaborators(config.ExportConfig{})
	require.Error(t, err)
}

func TestBuildCollaborators_ReturnsClientAndTransformer(t *testing.T) {
	cfg := config.ExportConfig{BaseURL: "https://wiki.example.com", Username: "user", APIToken: "token"}

	client, transformer, err := buildCollaborators(cfg)
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.NotNil(t, transformer)
}
