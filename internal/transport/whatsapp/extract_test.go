package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hi")}, "hi"},
		{
			"extended text",
			&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("see https://x.y")}},
			"see https://x.y",
		},
		{
			"image caption",
			&waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("my receipt")}},
			"my receipt",
		},
		{"image without caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
		{
			"button reply prefers id",
			&waE2E.Message{ButtonsResponseMessage: &waE2E.ButtonsResponseMessage{SelectedButtonID: proto.String("opt-2")}},
			"opt-2",
		},
		{
			"list reply row id",
			&waE2E.Message{ListResponseMessage: &waE2E.ListResponseMessage{
				Title:             proto.String("Plans"),
				SingleSelectReply: &waE2E.ListResponseMessage_SingleSelectReply{SelectedRowID: proto.String("row-7")},
			}},
			"row-7",
		},
		{
			"list reply falls back to title",
			&waE2E.Message{ListResponseMessage: &waE2E.ListResponseMessage{Title: proto.String("Plans")}},
			"Plans",
		},
		{
			"ephemeral wrapper",
			&waE2E.Message{EphemeralMessage: &waE2E.FutureProofMessage{
				Message: &waE2E.Message{Conversation: proto.String("inside")},
			}},
			"inside",
		},
		{
			"nested wrappers",
			&waE2E.Message{EphemeralMessage: &waE2E.FutureProofMessage{
				Message: &waE2E.Message{ViewOnceMessage: &waE2E.FutureProofMessage{
					Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("deep")}},
				}},
			}},
			"deep",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractText(tt.msg))
		})
	}
}

func TestExtractTextStopsAtDepth(t *testing.T) {
	msg := &waE2E.Message{Conversation: proto.String("too deep")}
	for i := 0; i < maxWrapDepth+2; i++ {
		msg = &waE2E.Message{EphemeralMessage: &waE2E.FutureProofMessage{Message: msg}}
	}
	assert.Equal(t, "", ExtractText(msg))
}
