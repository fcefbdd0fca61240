package deltarule

import "testing"

func TestTunerDeterministic(t *testing.T) {
	tn := NewTuner()
	a := tn.Config(1024, 64, 64, 8)
	b := tn.Config(1024, 64, 64, 8)
	if a != b {
		t.Fatalf("same shape, different configs: %+v vs %+v", a, b)
	}
	if a.BlockT%a.BlockS != 0 {
		t.Fatalf("tuned BlockT %d not a multiple of BlockS %d", a.BlockT, a.BlockS)
	}
	if a.Workers <= 0 {
		t.Fatalf("tuned Workers = %d", a.Workers)
	}
}

func TestTunerShortSequences(t *testing.T) {
	tn := NewTuner()
	short := tn.Config(32, 16, 16, 1)
	long := tn.Config(4096, 64, 64, 8)
	if short.BlockT > long.BlockT {
		t.Fatalf("short sequence tuned coarser than long: %+v vs %+v", short, long)
	}
	if err := short.validate(); err != nil {
		t.Fatalf("short config invalid: %v", err)
	}
	if err := long.validate(); err != nil {
		t.Fatalf("long config invalid: %v", err)
	}
}

func TestLaunchConfigValidate(t *testing.T) {
	cases := []struct {
		cfg LaunchConfig
		ok  bool
	}{
		{LaunchConfig{BlockT: 128, BlockS: 32, Workers: 4}, true},
		{LaunchConfig{BlockT: 32, BlockS: 32}, true},
		{LaunchConfig{BlockT: 48, BlockS: 32}, false},
		{LaunchConfig{BlockT: 0, BlockS: 32}, false},
		{LaunchConfig{BlockT: 32, BlockS: -1}, false},
	}
	for _, c := range cases {
		err := c.cfg.validate()
		if c.ok && err != nil {
			t.Fatalf("%+v: unexpected error %v", c.cfg, err)
		}
		if !c.ok && err == nil {
			t.Fatalf("%+v: accepted", c.cfg)
		}
	}
}
