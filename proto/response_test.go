package proto

import (
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeOne(t *testing.T, line string) *Response {
	t.Helper()
	resp, err := NewDecoder(strings.NewReader(line+"\r\n"), Limits{}).ReadResponse()
	require.NoError(t, err)
	return resp
}

func TestResponse_Kinds(t *testing.T) {
	tests := []struct {
		line    string
		kind    ResponseKind
		tag     string
		tagged  bool
		kindStr string
	}{
		{"* OK ready", KindUntagged, "", false, "untagged"},
		{"+ go ahead", KindContinuation, "", false, "continuation"},
		{"A0001 OK done", KindTagged, "A0001", true, "tagged"},
		{"a001 NO nope", KindTagged, "a001", true, "tagged"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			resp := decodeOne(t, tt.line)
			assert.Equal(t, tt.kind, resp.Kind)
			assert.Equal(t, tt.kindStr, resp.Kind.String())
			tag, ok := resp.Tag()
			assert.Equal(t, tt.tagged, ok)
			assert.Equal(t, tt.tag, tag)
		})
	}
}

func TestResponse_Status(t *testing.T) {
	tests := []struct {
		name string
		line string
		want *imap.StatusResponse
	}{
		{
			name: "tagged OK with text",
			line: "A0001 OK LOGIN completed",
			want: &imap.StatusResponse{Type: imap.StatusResponseTypeOK, Text: "LOGIN completed"},
		},
		{
			name: "tagged NO with code",
			line: "A0002 NO [AUTHENTICATIONFAILED] Invalid credentials",
			want: &imap.StatusResponse{
				Type: imap.StatusResponseTypeNo,
				Code: imap.ResponseCodeAuthenticationFailed,
				Text: "Invalid credentials",
			},
		},
		{
			name: "untagged BYE",
			line: "* BYE shutting down",
			want: &imap.StatusResponse{Type: imap.StatusResponseTypeBye, Text: "shutting down"},
		},
		{
			name: "lowercase type and code with arguments",
			line: "* ok [uidvalidity 3857529045] UIDs valid",
			want: &imap.StatusResponse{
				Type: imap.StatusResponseTypeOK,
				Code: imap.ResponseCode("UIDVALIDITY"),
				Text: "UIDs valid",
			},
		},
		{
			name: "PREAUTH greeting",
			line: "* PREAUTH welcome back",
			want: &imap.StatusResponse{Type: imap.StatusResponseTypePreAuth, Text: "welcome back"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, ok := decodeOne(t, tt.line).Status()
			require.True(t, ok)
			assert.Equal(t, tt.want, status)
		})
	}

	for _, line := range []string{"* 3 EXISTS", "+ ready", "* CAPABILITY IMAP4rev1"} {
		_, ok := decodeOne(t, line).Status()
		assert.False(t, ok, line)
	}
}

func TestResponse_Capabilities(t *testing.T) {
	t.Run("untagged CAPABILITY", func(t *testing.T) {
		caps, ok := decodeOne(t, "* CAPABILITY IMAP4rev1 SASL-IR AUTH=PLAIN").Capabilities()
		require.True(t, ok)
		assert.True(t, caps.Has(imap.CapIMAP4rev1))
		assert.True(t, caps.Has(imap.CapSASLIR))
	})

	t.Run("greeting response code", func(t *testing.T) {
		caps, ok := decodeOne(t, "* OK [CAPABILITY IMAP4rev1 LITERAL+ SASL-IR] Service Ready").Capabilities()
		require.True(t, ok)
		assert.True(t, caps.Has(imap.CapSASLIR))
		assert.True(t, caps.Has(imap.CapLiteralPlus))
	})

	t.Run("no capability data", func(t *testing.T) {
		for _, line := range []string{"* OK Service Ready", "* OK [ALERT] hi", "+ more", "A1 OK done"} {
			_, ok := decodeOne(t, line).Capabilities()
			assert.False(t, ok, line)
		}
	})
}
