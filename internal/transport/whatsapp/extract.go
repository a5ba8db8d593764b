package whatsapp

import (
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
)

// maxWrapDepth bounds recursion through wrapper messages.
const maxWrapDepth = 5

// ExtractText returns the user-visible text of a message: plain or
// extended text, a media caption, or the id of a selected quick reply.
// Ephemeral, view-once, document-with-caption and edit wrappers are
// unwrapped. Messages without text yield "".
func ExtractText(msg *waE2E.Message) string {
	return extract(msg, 0)
}

func extract(msg *waE2E.Message, depth int) string {
	if msg == nil || depth > maxWrapDepth {
		return ""
	}

	if t := msg.GetConversation(); t != "" {
		return t
	}
	if t := msg.GetExtendedTextMessage().GetText(); t != "" {
		return t
	}

	// media captions
	if t := msg.GetImageMessage().GetCaption(); t != "" {
		return t
	}
	if t := msg.GetVideoMessage().GetCaption(); t != "" {
		return t
	}
	if t := msg.GetDocumentMessage().GetCaption(); t != "" {
		return t
	}

	// quick replies: prefer the stable id over the display text
	if r := msg.GetButtonsResponseMessage(); r != nil {
		return firstNonEmpty(r.GetSelectedButtonID(), r.GetSelectedDisplayText())
	}
	if r := msg.GetListResponseMessage(); r != nil {
		return firstNonEmpty(r.GetSingleSelectReply().GetSelectedRowID(), r.GetTitle())
	}
	if r := msg.GetTemplateButtonReplyMessage(); r != nil {
		return firstNonEmpty(r.GetSelectedID(), r.GetSelectedDisplayText())
	}
	if r := msg.GetInteractiveResponseMessage(); r != nil {
		return firstNonEmpty(r.GetNativeFlowResponseMessage().GetParamsJSON(), r.GetBody().GetText())
	}

	// wrappers
	for _, inner := range []*waE2E.Message{
		msg.GetEphemeralMessage().GetMessage(),
		msg.GetViewOnceMessage().GetMessage(),
		msg.GetViewOnceMessageV2().GetMessage(),
		msg.GetViewOnceMessageV2Extension().GetMessage(),
		msg.GetDocumentWithCaptionMessage().GetMessage(),
		msg.GetEditedMessage().GetMessage(),
	} {
		if t := extract(inner, depth+1); t != "" {
			return t
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
