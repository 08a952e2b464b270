package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "valid send", env: Envelope{V: Version, Type: TypeSendMessage}, wantErr: false},
		{name: "valid typing no payload", env: Envelope{V: Version, Type: TypeTypingStart}, wantErr: false},
		{name: "valid reaction", env: Envelope{V: Version, Type: TypeReactionAdd}, wantErr: false},
		{name: "missing v", env: Envelope{Type: TypeSendMessage}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeSendMessage}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "message:edit"}, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate()=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestSeal(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	env, err := Seal(TypeNewMessage, "env-1", ts, NewMessagePayload{
		UserID:    "u1",
		Username:  "alice",
		Content:   "hi",
		Snowflake: 1 << 53, // above float53 precision on purpose
		CreatedAt: ts,
	})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("sealed envelope invalid: %v", err)
	}

	var p NewMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if p.Snowflake != 1<<53 {
		t.Fatalf("snowflake round trip: got=%d want=%d", p.Snowflake, int64(1)<<53)
	}
}

func TestSealNilPayload(t *testing.T) {
	t.Parallel()

	env, err := Seal(TypeServerBusy, "env-2", time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if env.Payload != nil {
		t.Fatalf("expected empty payload, got %s", env.Payload)
	}
}
