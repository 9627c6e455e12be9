package main

import (
	"errors"

	"github.com/borgius/confluence-exporter-sub000/internal/config"
	"github.com/borgius/confluence-exporter-sub000/internal/confluenceapi"
	"github.com/borgius/confluence-exporter-sub000/internal/markdown"
	"github.com/borgius/confluence-exporter-sub000/internal/transform"
	"github.com/borgius/confluence-exporter-sub000/internal/wikiclient"
)

// buildCollaborators wires the wiki client and transformer the exporter
// core depends on through interfaces. Neither implementation is part of
// this module's specified subject matter; they exist only so the CLI has
// something real to crawl against.
func buildCollaborators(cfg config.ExportConfig) (wikiclient.Client, transform.Transformer, error) {
	if cfg.BaseURL == "" || cfg.Username == "" || cfg.APIToken == "" {
		return nil, nil, errors.New("--config (or CONFLUENCE_EXPORT_BASE_URL/USERNAME/API_TOKEN) must set base_url, username, and api_token")
	}
	client := confluenceapi.New(cfg.BaseURL, cfg.Username, cfg.APIToken)
	transformer := markdown.New()
	return client, transformer, nil
}
