package realtime

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
)

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://localhost", want: "localhost"},
		{in: "http://localhost:3000", want: "localhost"},
		{in: "https://Chat.Example.com", want: "chat.example.com"},
		{in: "127.0.0.1:8080", want: "127.0.0.1"},
		{in: "localhost", want: "localhost"},
		{in: "", want: ""},
	}

	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:3000",
		"http://localhost",
		"https://chat.example.com",
		"",
	})

	want := []string{"chat.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns=%v want=%v", got, want)
		}
	}

	wild := deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost", "*"})
	if len(wild) != 1 || wild[0] != "*" {
		t.Fatalf("wildcard patterns=%v want=[*]", wild)
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	g := &WSGateway{
		originRequired: true,
		allowedOrigins: []string{"http://localhost", "https://chat.example.com"},
	}

	cases := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{name: "exact match", origin: "http://localhost"},
		{name: "host match different port", origin: "http://localhost:5173"},
		{name: "allowed https", origin: "https://chat.example.com"},
		{name: "missing origin", origin: "", wantErr: true},
		{name: "foreign origin", origin: "https://evil.example.net", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest("GET", "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}

			err := g.enforceOrigin(r)
			if tc.wantErr && err == nil {
				t.Fatalf("origin %q accepted, want rejection", tc.origin)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("origin %q rejected: %v", tc.origin, err)
			}
		})
	}
}

func TestEnforceOriginOptional(t *testing.T) {
	t.Parallel()

	g := &WSGateway{
		originRequired: false,
		allowedOrigins: []string{"http://localhost"},
	}

	r := httptest.NewRequest("GET", "/ws", nil)
	if err := g.enforceOrigin(r); err != nil {
		t.Fatalf("missing origin rejected with originRequired=false: %v", err)
	}
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want readErrKind
	}{
		{name: "ctx canceled", err: context.Canceled, want: readErrCtxDone},
		{name: "deadline", err: context.DeadlineExceeded, want: readErrCtxDone},
		{name: "eof", err: io.EOF, want: readErrConnClosed},
		{name: "bad json", err: errors.New("invalid character 'x' looking for beginning of value"), want: readErrBadJSON},
		{name: "unknown", err: errors.New("boom"), want: readErrUnknown},
	}

	for _, tc := range cases {
		if got := classifyReadErr(tc.err); got != tc.want {
			t.Fatalf("%s: classifyReadErr=%v want=%v", tc.name, got, tc.want)
		}
	}
}

func TestEnvCSVWS(t *testing.T) {
	t.Setenv("RIPPLE_TEST_CSV", " http://a.example , ,http://b.example ")
	got := envCSVWS("RIPPLE_TEST_CSV", "http://def.example")
	if len(got) != 2 || got[0] != "http://a.example" || got[1] != "http://b.example" {
		t.Fatalf("envCSVWS=%v", got)
	}

	got = envCSVWS("RIPPLE_TEST_CSV_MISSING", "http://def.example")
	if len(got) != 1 || got[0] != "http://def.example" {
		t.Fatalf("envCSVWS default=%v", got)
	}
}
