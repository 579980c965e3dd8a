package protocol

import (
	"errors"
	"testing"
)

func TestNewMessageAssignsEnvelopeFields(t *testing.T) {
	msg, err := New("buyer-1", "seller-1", PerformativeRequest, map[string]string{"goal": "采购认证商品"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if msg.ID == "" || msg.ConversationID == "" || msg.ReplyWith == "" {
		t.Fatalf("expected identifiers to be assigned: %+v", msg)
	}
	if msg.Sender != "buyer-1" || msg.Recipient != "seller-1" {
		t.Fatalf("unexpected endpoints: sender=%s recipient=%s", msg.Sender, msg.Recipient)
	}
	if msg.SentAt == 0 {
		t.Fatalf("expected sent_at to be stamped")
	}
}

func TestReplyPreservesConversation(t *testing.T) {
	request, err := New("buyer-1", "seller-1", PerformativeCFP, Proposal{ProductID: "p-1"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	reply, err := Reply(request, PerformativePropose, Proposal{ProductID: "p-1", PriceAmount: 1200, PriceCurrency: "MYR"})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.ConversationID != request.ConversationID {
		t.Fatalf("conversation changed: got %s want %s", reply.ConversationID, request.ConversationID)
	}
	if reply.Sender != "seller-1" || reply.Recipient != "buyer-1" {
		t.Fatalf("endpoints not swapped: sender=%s recipient=%s", reply.Sender, reply.Recipient)
	}
	if reply.InReplyTo != request.ReplyWith {
		t.Fatalf("in_reply_to mismatch: got %s want %s", reply.InReplyTo, request.ReplyWith)
	}
}

func TestValidateRejectsBrokenEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want error
	}{
		{
			name: "missing recipient",
			msg:  Message{Performative: PerformativeInform},
			want: ErrRecipientMissing,
		},
		{
			name: "unknown performative",
			msg:  Message{Recipient: "seller-1", Performative: "shout"},
			want: ErrPerformativeUnknown,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCodecRoundTrip(t *testing.T) {
	msg, err := New("certifier-1", "seller-1", PerformativeInform, CertificationNotice{
		RecordID:  "c-1",
		ProductID: "p-1",
		Status:    "certified",
	})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	msg.Sequence = 7

	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != msg.ID || decoded.Sequence != 7 {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}

	var notice CertificationNotice
	if err := DecodeBody(decoded, &notice); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if notice.RecordID != "c-1" || notice.Status != "certified" {
		t.Fatalf("unexpected notice: %+v", notice)
	}
}

func TestDecodeRejectsInvalidEnvelope(t *testing.T) {
	if _, err := Decode([]byte(`{"performative":"inform"}`)); !errors.Is(err, ErrRecipientMissing) {
		t.Fatalf("expected recipient error, got %v", err)
	}
	if _, err := Decode([]byte(`not-json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
