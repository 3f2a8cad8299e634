package api

import (
	"path/filepath"
	"testing"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := jsonCodec{}

	msg := Message{Type: "get_status", DeviceName: "Test Mic"}
	raw, err := codec.Marshal(&msg)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Message
	if err := codec.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != "get_status" || decoded.DeviceName != "Test Mic" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestListenGRPCUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "dictum-test.sock")
	lis, err := listenGRPC("unix://" + sock)
	if err != nil {
		t.Fatalf("unix listener failed: %v", err)
	}
	defer lis.Close()

	if lis.Addr().Network() != "unix" {
		t.Errorf("network = %s", lis.Addr().Network())
	}
}

func TestListenGRPCTCP(t *testing.T) {
	lis, err := listenGRPC("127.0.0.1:0")
	if err != nil {
		t.Fatalf("tcp listener failed: %v", err)
	}
	defer lis.Close()
}

func TestMustJSON(t *testing.T) {
	if string(mustJSON("abc")) != `"abc"` {
		t.Errorf("mustJSON = %s", mustJSON("abc"))
	}
}
