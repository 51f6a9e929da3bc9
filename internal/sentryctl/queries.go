package sentryctl

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// SessionJSON mirrors the sessions endpoint payload.
type SessionJSON struct {
	SessionID       string    `json:"session_id"`
	Peer            string    `json:"peer"`
	SensorID        string    `json:"sensor_id"`
	ProtocolVersion string    `json:"protocol_version"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	Capabilities    []string  `json:"capabilities,omitempty"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastRx          time.Time `json:"last_rx"`
	Authenticated   bool      `json:"authenticated"`
}

// DayStatsJSON mirrors the stats endpoint payload.
type DayStatsJSON struct {
	Min   float64 `json:"min"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// SeriesPointJSON mirrors one series element.
type SeriesPointJSON struct {
	TS    float64 `json:"ts"`
	Value float64 `json:"value"`
}

// AlertJSON mirrors one stored alert event.
type AlertJSON struct {
	TS     float64 `json:"ts"`
	Date   string  `json:"date"`
	SID    string  `json:"sid"`
	PeerIP string  `json:"peer_ip"`
	Kind   string  `json:"kind"`
	Level  int     `json:"level"`
	Value  float64 `json:"value"`
}

func ListSessions(client *HTTPClient, sid string) ([]SessionJSON, error) {
	path := "/api/v1/sessions"
	if sid != "" {
		path += "?sid=" + url.QueryEscape(sid)
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, err
	}

	var sessions []SessionJSON
	if err := ParseResponse(body, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func GetStats(client *HTTPClient, sid, peer, kind string) (*DayStatsJSON, error) {
	path := fmt.Sprintf("/api/v1/stats?sid=%s&peer=%s&kind=%s",
		url.QueryEscape(sid), url.QueryEscape(peer), url.QueryEscape(kind))

	body, err := client.Get(path)
	if err != nil {
		return nil, err
	}

	var stats DayStatsJSON
	if err := ParseResponse(body, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func GetSeries(client *HTTPClient, sid, peer, kind string, hours int) ([]SeriesPointJSON, error) {
	path := fmt.Sprintf("/api/v1/series?sid=%s&peer=%s&kind=%s&hours=%d",
		url.QueryEscape(sid), url.QueryEscape(peer), url.QueryEscape(kind), hours)

	body, err := client.Get(path)
	if err != nil {
		return nil, err
	}

	var points []SeriesPointJSON
	if err := ParseResponse(body, &points); err != nil {
		return nil, err
	}
	return points, nil
}

func ListAlerts(client *HTTPClient, sid string) ([]AlertJSON, error) {
	path := "/api/v1/alerts"
	if sid != "" {
		path += "?sid=" + url.QueryEscape(sid)
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, err
	}

	var alerts []AlertJSON
	if err := ParseResponse(body, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

func GetConfig(client *HTTPClient) (map[string]interface{}, error) {
	body, err := client.Get("/api/v1/config")
	if err != nil {
		return nil, err
	}

	var cfg map[string]interface{}
	if err := ParseResponse(body, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReloadConfig asks sentryd to re-read its config file and returns the new
// config version.
func ReloadConfig(client *HTTPClient) (string, error) {
	body, err := client.Post("/api/v1/config/reload", nil)
	if err != nil {
		return "", err
	}

	// The reload endpoint replies with a bare object, not the data wrapper.
	var out struct {
		ConfigVersion string `json:"config_version"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	return out.ConfigVersion, nil
}
