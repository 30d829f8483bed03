package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/trialogue/internal/assembler"
	"github.com/nextlevelbuilder/trialogue/internal/config"
	"github.com/nextlevelbuilder/trialogue/internal/locks"
	"github.com/nextlevelbuilder/trialogue/internal/providers"
	"github.com/nextlevelbuilder/trialogue/internal/questions"
	"github.com/nextlevelbuilder/trialogue/internal/resolution"
	"github.com/nextlevelbuilder/trialogue/internal/scheduler"
	"github.com/nextlevelbuilder/trialogue/internal/store/file"
	"github.com/nextlevelbuilder/trialogue/internal/summarizer"
	"github.com/nextlevelbuilder/trialogue/pkg/protocol"
)

type echoProvider struct{}

func (echoProvider) Name() string         { return "echo" }
func (echoProvider) DefaultModel() string { return "m" }
func (echoProvider) ChatStream(_ context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	out := "a short deliberation response"
	for _, m := range req.Messages {
		if m.Role == "system" && strings.Contains(m.Content, "JSON") {
			out = `[{"prompt":"Next?","options":["Go on","Stop"]},{"prompt":"Depth?","options":["More","Less"]}]`
		}
	}
	if onChunk != nil {
		onChunk(providers.StreamChunk{Content: out})
		onChunk(providers.StreamChunk{Done: true})
	}
	return &providers.ChatResponse{Content: out}, nil
}

func startServer(t *testing.T) (addr string) {
	t.Helper()
	lockSvc := locks.NewMemoryService()
	t.Cleanup(lockSvc.Close)
	st, err := file.NewStore(t.TempDir(), lockSvc, file.Options{})
	if err != nil {
		t.Fatal(err)
	}

	prov := echoProvider{}
	srv := NewServer(config.GatewayConfig{
		MaxConnectionsPerIP:  10,
		ConnectionRateLimit:  100,
		MaxMessagesPerMinute: 1000,
		MaxPayloadBytes:      1 << 20,
		IdleTimeoutMinutes:   30,
		DrainTimeoutSec:      2,
	}, nil, st)
	sched := scheduler.New(scheduler.Deps{
		Store:      st,
		Locks:      lockSvc,
		Assembler:  assembler.New(nil),
		Provider:   prov,
		Summarizer: summarizer.New(prov, nil),
		Questions:  questions.NewEngine(prov, nil),
		Resolution: resolution.NewDetector(),
		Sink:       srv.Hub(),
	})
	srv.sched = sched

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := StartTestServer(srv, ctx)
	go start()
	return addr
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireFrame struct {
	// Response fields
	ID     int64                  `json:"id,omitempty"`
	OK     *bool                  `json:"ok,omitempty"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  *protocol.ErrorBody    `json:"error,omitempty"`
	// Event fields
	Type    string          `json:"type,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func send(t *testing.T, conn *websocket.Conn, id int64, method string, params interface{}) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(protocol.MethodFrame{ID: id, Method: method, Params: raw}); err != nil {
		t.Fatal(err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var f wireFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestGateway_StartDialogueStream(t *testing.T) {
	addr := startServer(t)
	conn := dial(t, addr)

	send(t, conn, 1, protocol.MethodConnect, map[string]string{"userId": "u1"})
	ack := readFrame(t, conn)
	if ack.OK == nil || !*ack.OK {
		t.Fatalf("connect failed: %+v", ack)
	}

	send(t, conn, 2, protocol.MethodStartDialogue, map[string]interface{}{
		"topic": "Design a cache eviction policy",
	})

	var events []string
	var response *wireFrame
	for response == nil {
		f := readFrame(t, conn)
		if f.Type == "event" {
			events = append(events, f.Event)
			continue
		}
		if f.ID == 2 {
			cp := f
			response = &cp
		}
	}
	if response.OK == nil || !*response.OK {
		t.Fatalf("start-dialogue failed: %+v", response.Error)
	}

	// Ordering: discussion-started, then per-persona start/chunk/complete
	// triplets, then round-complete, all before the method response.
	if events[0] != protocol.EventDiscussionStarted {
		t.Errorf("first event = %s, want discussion-started", events[0])
	}
	if events[len(events)-1] != protocol.EventRoundComplete {
		t.Errorf("last event = %s, want round-complete", events[len(events)-1])
	}
	starts, completes := 0, 0
	for _, e := range events {
		switch e {
		case protocol.EventMessageStart:
			starts++
		case protocol.EventMessageComplete:
			completes++
		}
	}
	if starts != 3 || completes != 3 {
		t.Errorf("message-start=%d message-complete=%d, want 3 each (events: %v)", starts, completes, events)
	}
	for i, e := range events {
		if e == protocol.EventMessageChunk {
			if i == 0 || (events[i-1] != protocol.EventMessageStart && events[i-1] != protocol.EventMessageChunk) {
				t.Errorf("chunk at %d not preceded by its message-start (events: %v)", i, events)
			}
		}
	}
}

func TestGateway_UnknownMethodAndIdentity(t *testing.T) {
	addr := startServer(t)
	conn := dial(t, addr)

	t.Run("unknown method", func(t *testing.T) {
		send(t, conn, 1, "bogus-method", map[string]string{})
		f := readFrame(t, conn)
		if f.Error == nil || f.Error.Code != protocol.ErrCodeInvalid {
			t.Fatalf("frame = %+v, want Invalid error", f)
		}
	})

	t.Run("no identity", func(t *testing.T) {
		send(t, conn, 2, protocol.MethodDiscussionsList, map[string]interface{}{})
		f := readFrame(t, conn)
		if f.Error == nil || f.Error.Code != protocol.ErrCodeForbidden {
			t.Fatalf("frame = %+v, want Forbidden before connect", f)
		}
	})
}

func TestGateway_ListAndDelete(t *testing.T) {
	addr := startServer(t)
	conn := dial(t, addr)

	send(t, conn, 1, protocol.MethodConnect, map[string]string{"userId": "u1"})
	readFrame(t, conn)

	send(t, conn, 2, protocol.MethodStartDialogue, map[string]interface{}{"topic": "t"})
	for {
		f := readFrame(t, conn)
		if f.ID == 2 {
			break
		}
	}

	send(t, conn, 3, protocol.MethodDiscussionsList, map[string]interface{}{})
	list := readFrame(t, conn)
	if list.OK == nil || !*list.OK {
		t.Fatalf("list failed: %+v", list.Error)
	}
	discussions, _ := list.Result["discussions"].([]interface{})
	if len(discussions) != 1 {
		t.Fatalf("discussions = %d, want 1", len(discussions))
	}

	send(t, conn, 4, protocol.MethodDiscussionsDelete, map[string]interface{}{})
	del := readFrame(t, conn)
	if del.OK == nil || !*del.OK {
		t.Fatalf("delete failed: %+v", del.Error)
	}

	send(t, conn, 5, protocol.MethodDiscussionsList, map[string]interface{}{})
	list = readFrame(t, conn)
	discussions, _ = list.Result["discussions"].([]interface{})
	if len(discussions) != 0 {
		t.Errorf("discussions = %d after delete, want 0", len(discussions))
	}
}

func TestGateway_HealthEndpoint(t *testing.T) {
	addr := startServer(t)
	conn := dial(t, addr)

	send(t, conn, 1, protocol.MethodHealth, nil)
	f := readFrame(t, conn)
	if f.OK == nil || !*f.OK || f.Result["status"] != "ok" {
		t.Fatalf("health = %+v", f)
	}
}
