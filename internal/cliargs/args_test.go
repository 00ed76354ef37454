package cliargs

import "testing"

func TestParseAcceptsMultiplePointsAndTrunkPortList(t *testing.T) {
	cfg, perr := Parse([]string{
		"--local1=127.0.0.1:9001",
		"--local2=127.0.0.1:9002",
		"--trunk=10.0.0.5:7000,7001,7002",
	}, "--local")
	if perr != nil {
		t.Fatalf("unexpected error: %v", perr)
	}

	if len(cfg.Points) != 2 {
		t.Fatalf("len(Points) = %d, want 2", len(cfg.Points))
	}
	p1, ok := cfg.Points[1]
	if !ok || p1.Address != "127.0.0.1" || p1.Port != 9001 {
		t.Fatalf("Points[1] = %+v, ok=%v", p1, ok)
	}
	p2, ok := cfg.Points[2]
	if !ok || p2.Port != 9002 {
		t.Fatalf("Points[2] = %+v, ok=%v", p2, ok)
	}

	if cfg.TrunkHost != "10.0.0.5" {
		t.Fatalf("TrunkHost = %q", cfg.TrunkHost)
	}
	want := []uint16{7000, 7001, 7002}
	if len(cfg.TrunkPorts) != len(want) {
		t.Fatalf("TrunkPorts = %v", cfg.TrunkPorts)
	}
	for i, p := range want {
		if cfg.TrunkPorts[i] != p {
			t.Fatalf("TrunkPorts[%d] = %d, want %d", i, cfg.TrunkPorts[i], p)
		}
	}
}

func TestParseRejectsAmbiguousPointPrefix(t *testing.T) {
	// "--local" with no digits before '=' collapses id parsing to an empty
	// string, which must fail rather than default to id 0.
	_, perr := Parse([]string{"--local=127.0.0.1:9001", "--trunk=10.0.0.5:7000"}, "--local")
	if perr == nil || perr.Code != ExitMalformed {
		t.Fatalf("expected ExitMalformed, got %v", perr)
	}
}

func TestParseWithNoArgsReturnsHelp(t *testing.T) {
	_, perr := Parse(nil, "--local")
	if perr == nil || perr.Code != ExitHelp {
		t.Fatalf("expected ExitHelp, got %v", perr)
	}
}

func TestParseMissingTrunkReturnsIncomplete(t *testing.T) {
	_, perr := Parse([]string{"--local1=127.0.0.1:9001"}, "--local")
	if perr == nil || perr.Code != ExitIncomplete {
		t.Fatalf("expected ExitIncomplete, got %v", perr)
	}
}

func TestParseMissingPointsReturnsIncomplete(t *testing.T) {
	_, perr := Parse([]string{"--trunk=10.0.0.5:7000"}, "--local")
	if perr == nil || perr.Code != ExitIncomplete {
		t.Fatalf("expected ExitIncomplete, got %v", perr)
	}
}

func TestParseRejectsMalformedTrunkPortList(t *testing.T) {
	_, perr := Parse([]string{"--local1=127.0.0.1:9001", "--trunk=10.0.0.5:7000,,7002"}, "--local")
	if perr == nil || perr.Code != ExitMalformed {
		t.Fatalf("expected ExitMalformed, got %v", perr)
	}
}

func TestParseRejectsBadAddress(t *testing.T) {
	_, perr := Parse([]string{"--local1=not-an-ip:9001", "--trunk=10.0.0.5:7000"}, "--local")
	if perr == nil || perr.Code != ExitMalformed {
		t.Fatalf("expected ExitMalformed, got %v", perr)
	}
}

func TestParseKeepsExternalPointsDistinctFromLocalPrefix(t *testing.T) {
	cfg, perr := Parse([]string{"--external3=192.168.0.1:22", "--trunk=10.0.0.5:7000"}, "--external")
	if perr != nil {
		t.Fatalf("unexpected error: %v", perr)
	}
	p, ok := cfg.Points[3]
	if !ok || p.Address != "192.168.0.1" || p.Port != 22 {
		t.Fatalf("Points[3] = %+v, ok=%v", p, ok)
	}
}
