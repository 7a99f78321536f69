package address

import (
	"testing"
)

func TestParse(t *testing.T) {
	addr, err := Parse("tcp://127.0.0.1:17111")
	if err != nil {
		t.Fatalf("TestParse: Parse failed: %+v", err)
	}
	if addr.Scheme() != "tcp" {
		t.Fatalf("TestParse: got scheme '%s', want 'tcp'", addr.Scheme())
	}
	if addr.Endpoint() != "127.0.0.1:17111" {
		t.Fatalf("TestParse: got endpoint '%s', want '127.0.0.1:17111'", addr.Endpoint())
	}
	if addr.String() != "tcp://127.0.0.1:17111" {
		t.Fatalf("TestParse: got string '%s', want the input back", addr.String())
	}
}

func TestParseErrors(t *testing.T) {
	for _, input := range []string{"", "tcp", "://endpoint", "tcp://", "noseparator"} {
		_, err := Parse(input)
		if err == nil {
			t.Fatalf("TestParseErrors: expected an error for '%s'", input)
		}
	}
}

func TestNew(t *testing.T) {
	addr := New("mem", "some-endpoint")
	if addr.String() != "mem://some-endpoint" {
		t.Fatalf("TestNew: got '%s', want 'mem://some-endpoint'", addr.String())
	}
}
