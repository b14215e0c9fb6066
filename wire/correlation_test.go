package wire

import "testing"

func TestValidateClientName(t *testing.T) {
	if err := ValidateClientName("exactly_16_chars"); err != nil {
		t.Fatalf("16 char name should succeed, got %v", err)
	}
	if len("exactly_16_chars") != 16 {
		t.Fatalf("test fixture drifted: want 16 chars, got %d", len("exactly_16_chars"))
	}
	if err := ValidateClientName("this_name_has_17c"); err == nil {
		t.Fatal("17 char name should fail")
	}
	if err := ValidateClientName(""); err != nil {
		t.Fatalf("empty name should be valid (auto-generated later), got %v", err)
	}
}

func TestIDAllocatorMonotonic(t *testing.T) {
	a, err := NewIDAllocator("robot")
	if err != nil {
		t.Fatalf("NewIDAllocator: %v", err)
	}
	first := a.Next()
	second := a.Next()
	if first != "robot_1" {
		t.Fatalf("first id = %q, want robot_1", first)
	}
	if second != "robot_2" {
		t.Fatalf("second id = %q, want robot_2", second)
	}
}

func TestIDAllocatorRejectsOversizedName(t *testing.T) {
	if _, err := NewIDAllocator("this_name_has_17c"); err == nil {
		t.Fatal("expected error for oversized client name")
	}
}

func TestIDAllocatorConcurrentNoCollisions(t *testing.T) {
	a, err := NewIDAllocator("concurrent")
	if err != nil {
		t.Fatalf("NewIDAllocator: %v", err)
	}

	const n = 200
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			results <- a.Next()
		}()
	}

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id := <-results
		if seen[id] {
			t.Fatalf("duplicate id %q allocated", id)
		}
		seen[id] = true
	}
}

func TestRandomClientNameShape(t *testing.T) {
	name := RandomClientName("cli")
	if len(name) != len("cli_")+5 {
		t.Fatalf("generated name %q has unexpected length %d", name, len(name))
	}
	if err := ValidateClientName(name); err != nil {
		t.Fatalf("generated name %q failed validation: %v", name, err)
	}
}
