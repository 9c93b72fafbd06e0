package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterRequestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		req     RegisterRequest
		wantErr bool
	}{
		{name: "valid", req: RegisterRequest{Username: " ada ", Email: " Ada@Example.COM ", Password: "longenough"}},
		{name: "missing field", req: RegisterRequest{Username: "ada", Password: "longenough"}, wantErr: true},
		{name: "bad email", req: RegisterRequest{Username: "ada", Email: "not-an-email", Password: "longenough"}, wantErr: true},
		{name: "short password", req: RegisterRequest{Username: "ada", Email: "ada@example.com", Password: "short"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Normalize()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidInput)
				return
			}

			require.NoError(t, err)
			require.Equal(t, "ada", tt.req.Username)
			require.Equal(t, "ada@example.com", tt.req.Email)
		})
	}
}

func TestResearchTopic(t *testing.T) {
	require.Equal(t, "topic", (&Research{ResearchTopic: "topic", InitialUserMessage: "msg"}).Topic())
	require.Equal(t, "msg", (&Research{InitialUserMessage: "msg"}).Topic())
	require.Equal(t, "Unknown Topic", (&Research{}).Topic())
}
