package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  WSMessage
		want string
	}{
		{
			name: "snapshot",
			msg:  WSMessage{Type: MsgSnapshot, Payload: json.RawMessage(`{"counters":{"roses":{"count":5,"diamonds":5}},"target":100,"stats":{"liveStatus":"ONLINE","username":"demo"}}`)},
			want: "snapshot",
		},
		{
			name: "event echo",
			msg:  WSMessage{Type: MsgEventEcho, Payload: json.RawMessage(`{"giftId":5,"giftName":"Rose","diamondCount":1,"nickname":"alice","repeatCount":3}`)},
			want: "event",
		},
		{
			name: "catalog",
			msg:  WSMessage{Type: MsgCatalog, Payload: json.RawMessage(`[{"id":5,"name":"Rose","diamondCost":1}]`)},
			want: "catalog",
		},
		{
			name: "unknown type",
			msg:  WSMessage{Type: "equipped", Payload: json.RawMessage(`{}`)},
		},
		{
			name: "malformed payload",
			msg:  WSMessage{Type: MsgSnapshot, Payload: json.RawMessage(`[1,2]`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(tt.msg)
			switch m := got.(type) {
			case WSSnapshotMsg:
				if tt.want != "snapshot" {
					t.Fatalf("Decode = %T, want %s", got, tt.want)
				}
				if m.Payload.Counters["roses"].Count != 5 || m.Payload.Stats.Channel != "demo" {
					t.Errorf("snapshot = %+v", m.Payload)
				}
			case WSEventMsg:
				if tt.want != "event" {
					t.Fatalf("Decode = %T, want %s", got, tt.want)
				}
				if m.Payload.SenderName != "alice" || m.Payload.RepeatCount != 3 {
					t.Errorf("event = %+v", m.Payload)
				}
			case WSCatalogMsg:
				if tt.want != "catalog" {
					t.Fatalf("Decode = %T, want %s", got, tt.want)
				}
				if len(m.Payload) != 1 || m.Payload[0].Name != "Rose" {
					t.Errorf("catalog = %+v", m.Payload)
				}
			case nil:
				if tt.want != "" {
					t.Fatalf("Decode = nil, want %s", tt.want)
				}
			default:
				t.Fatalf("unexpected message %T", got)
			}
		})
	}
}

func TestHTTPClient_Auth(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret")
	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/api/reset" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestHTTPClient_ErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"ok":false,"error":"channel is not live","code":"unavailable"}`))
	}))
	defer srv.Close()

	err := NewHTTPClient(srv.URL, "").Connect()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "channel is not live") || !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v", err)
	}
}

func TestHTTPClient_GetState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"counters":{},"groups":[{"id":"roses","name":"Roses","goal":50,"giftIds":[5]}],"target":100,"stats":{"liveStatus":"CONNECTING","username":"demo"},"feed":{"state":"CONNECTING","channel":"demo"}}`))
	}))
	defer srv.Close()

	st, err := NewHTTPClient(srv.URL, "").GetState()
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.Feed.State != StatusConnecting || len(st.Groups) != 1 || st.Groups[0].Goal != 50 {
		t.Errorf("state = %+v", st)
	}
}
