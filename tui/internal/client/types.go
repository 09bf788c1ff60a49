// Package client provides WebSocket and HTTP clients for a giftpulse
// instance. Types mirror the instance wire protocol without importing
// server packages.
package client

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of WebSocket message.
type MessageType string

const (
	MsgSnapshot  MessageType = "snapshot"
	MsgEventEcho MessageType = "event_echo"
	MsgCatalog   MessageType = "catalog"
)

// WSMessage is the envelope for all WebSocket messages.
type WSMessage struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// Live status values carried in Stats.LiveStatus.
const (
	StatusDisconnected = "DISCONNECTED"
	StatusConnecting   = "CONNECTING"
	StatusOnline       = "ONLINE"
	StatusOffline      = "OFFLINE"
)

// Group is a named set of gift IDs with an optional goal.
type Group struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Color   string `json:"color,omitempty"`
	Goal    int64  `json:"goal"`
	GiftIDs []int  `json:"giftIds"`
}

// Counter is the per-group tally.
type Counter struct {
	Count    int64 `json:"count"`
	Diamonds int64 `json:"diamonds"`
}

// Stats mirrors the session statistics block of a snapshot.
type Stats struct {
	LiveStatus    string `json:"liveStatus"`
	Channel       string `json:"username"`
	SessionID     string `json:"sessionId,omitempty"`
	LiveViewers   int    `json:"liveViewers"`
	PeakViewers   int    `json:"peakViewers"`
	UniqueJoins   int    `json:"uniqueJoins"`
	TotalGifts    int64  `json:"totalGifts"`
	TotalDiamonds int64  `json:"totalDiamonds"`
}

// Snapshot is the full aggregation state pushed to observers.
type Snapshot struct {
	Counters map[string]Counter `json:"counters"`
	Groups   []Group            `json:"groups"`
	Target   int64              `json:"target"`
	Stats    Stats              `json:"stats"`
}

// GiftEvent is a counted gift echoed to observers.
type GiftEvent struct {
	GiftID      int    `json:"giftId"`
	GiftName    string `json:"giftName"`
	DiamondCost int64  `json:"diamondCount"`
	SenderID    string `json:"userId,omitempty"`
	SenderName  string `json:"nickname"`
	RepeatCount int    `json:"repeatCount"`
	Streakable  bool   `json:"streakable"`
	RepeatEnd   bool   `json:"repeatEnd"`
}

// CatalogEntry is one known gift.
type CatalogEntry struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	DiamondCost int64  `json:"diamondCost"`
	IconURL     string `json:"iconUrl,omitempty"`
}

// --- HTTP response types ---

// FeedStatus is the connection state reported by /api/state.
type FeedStatus struct {
	State     string `json:"state"`
	Channel   string `json:"channel"`
	SessionID string `json:"sessionId,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// State is the body of /api/state.
type State struct {
	Snapshot
	Feed FeedStatus `json:"feed"`
}

// SessionRow is one recorded session from /api/sessions.
type SessionRow struct {
	ID            string     `json:"id"`
	InstanceID    string     `json:"instanceId"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	TotalGifts    int64      `json:"totalGifts"`
	TotalDiamonds int64      `json:"totalDiamonds"`
	PeakViewers   int        `json:"peakViewers"`
	UniqueViewers int        `json:"uniqueViewers"`
	Status        string     `json:"status"`
}

// APIResponse is the body of every administrative endpoint.
type APIResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}
