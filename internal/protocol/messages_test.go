package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessage_JoinQueue(t *testing.T) {
	input := []byte(`{"type":"join_queue","activity_id":"trial-a","role":"tank"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoinQueue {
		t.Fatalf("expected type %q, got %q", TypeJoinQueue, msgType)
	}

	jq, ok := msg.(JoinQueueMsg)
	if !ok {
		t.Fatalf("expected JoinQueueMsg, got %T", msg)
	}
	if jq.ActivityID != "trial-a" || jq.Role != "tank" {
		t.Errorf("unexpected payload: %+v", jq)
	}
}

func TestParseClientMessage_OfferResponses(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`{"type":"accept_offer","offer_id":"o-1"}`, TypeAcceptOffer},
		{`{"type":"decline_offer","offer_id":"o-1"}`, TypeDeclineOffer},
	}
	for _, tt := range tests {
		msgType, msg, err := ParseClientMessage([]byte(tt.input))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.want, err)
		}
		if msgType != tt.want {
			t.Errorf("expected %q, got %q", tt.want, msgType)
		}
		switch m := msg.(type) {
		case AcceptOfferMsg:
			if m.OfferID != "o-1" {
				t.Errorf("accept offer id %q", m.OfferID)
			}
		case DeclineOfferMsg:
			if m.OfferID != "o-1" {
				t.Errorf("decline offer id %q", m.OfferID)
			}
		default:
			t.Errorf("unexpected message %T", msg)
		}
	}
}

func TestParseClientMessage_MissingFields(t *testing.T) {
	inputs := []string{
		`{"type":"join_queue","role":"tank"}`,
		`{"type":"join_queue","activity_id":"trial-a"}`,
		`{"type":"accept_offer"}`,
		`{"type":"decline_offer","offer_id":""}`,
	}
	for _, in := range inputs {
		_, _, err := ParseClientMessage([]byte(in))
		if !errors.Is(err, ErrMissingField) {
			t.Errorf("%s: expected ErrMissingField, got %v", in, err)
		}
	}
}

func TestParseClientMessage_LeaveAndPing(t *testing.T) {
	for _, typ := range []string{TypeLeaveQueue, TypePing} {
		msgType, _, err := ParseClientMessage([]byte(`{"type":"` + typ + `"}`))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if msgType != typ {
			t.Errorf("expected %q, got %q", typ, msgType)
		}
	}
}

func TestParseClientMessage_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `hello`},
		{"missing type", `{"offer_id":"o-1"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"summon_dragon"}`},
		{"server only type", `{"type":"offer_found"}`},
		{"wrong field type", `{"type":"accept_offer","offer_id":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(tt.input)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestNewServerMessage_OfferFound(t *testing.T) {
	payload := OfferFoundMsg{
		OfferID:       "o-9",
		ActivityID:    "trial-a",
		ActivityName:  "Trial-A",
		Members:       4,
		Role:          "healer",
		AcceptTimeout: 30,
	}

	data, err := NewServerMessage(TypeOfferFound, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if got["type"] != TypeOfferFound {
		t.Errorf("type = %v", got["type"])
	}
	if got["offer_id"] != "o-9" || got["activity_name"] != "Trial-A" {
		t.Errorf("payload fields lost: %v", got)
	}
	if got["members"] != float64(4) || got["accept_timeout"] != float64(30) {
		t.Errorf("numeric fields lost: %v", got)
	}
}

func TestNewServerMessage_OverridesType(t *testing.T) {
	data, err := NewServerMessage(TypeOfferCancelled, OfferCancelledMsg{Type: "bogus", OfferID: "o-1", Reason: "declined"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got OfferCancelledMsg
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeOfferCancelled || got.Reason != "declined" || got.Requeued {
		t.Errorf("unexpected message %+v", got)
	}
}

func TestNewServerMessage_Unmarshalable(t *testing.T) {
	if _, err := NewServerMessage(TypeError, make(chan int)); err == nil {
		t.Error("expected an error for a channel payload")
	}
}
