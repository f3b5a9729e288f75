package knot

import (
	"testing"
)

func buildTree(t *testing.T, names ...string) *ZoneTree {
	t.Helper()
	tree := NewZoneTree()
	for _, name := range names {
		if err := tree.Insert(NewNode(name)); err != nil {
			t.Fatalf("Insert(%s): %v", name, err)
		}
	}
	tree.Freeze()
	return tree
}

func TestZoneTreeOrdering(t *testing.T) {
	tree := buildTree(t,
		"example.com.",
		"mail.example.com.",
		"www.example.com.",
		"a.sub.example.com.",
		"sub.example.com.",
	)

	t.Run("InOrder", func(t *testing.T) {
		var got []string
		tree.InOrder(func(n *Node) bool {
			got = append(got, n.Name)
			return true
		})
		want := []string{
			"example.com.",
			"mail.example.com.",
			"sub.example.com.",
			"a.sub.example.com.",
			"www.example.com.",
		}
		if len(got) != len(want) {
			t.Fatalf("walk visited %d nodes, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
			}
		}
	})

	t.Run("SubtreeContiguity", func(t *testing.T) {
		// The canonical order must keep sub.example.com.'s subtree
		// directly after it, before www.
		var got []string
		tree.InOrder(func(n *Node) bool {
			got = append(got, n.Name)
			return true
		})
		for i, name := range got {
			if name == "a.sub.example.com." && got[i-1] != "sub.example.com." {
				t.Errorf("a.sub follows %s, want sub.example.com.", got[i-1])
			}
		}
	})
}

func TestZoneTreeLookups(t *testing.T) {
	tree := buildTree(t,
		"example.com.",
		"mail.example.com.",
		"sub.example.com.",
		"www.example.com.",
	)

	t.Run("GetExact", func(t *testing.T) {
		if n := tree.Get("mail.example.com."); n == nil {
			t.Fatal("Get(mail) = nil")
		}
		if n := tree.Get("MAIL.example.COM."); n == nil {
			t.Fatal("exact match must be case-insensitive")
		}
		if n := tree.Get("nope.example.com."); n != nil {
			t.Fatalf("Get(nope) = %s, want nil", n.Name)
		}
	})

	t.Run("FindLessEqualExact", func(t *testing.T) {
		found, node := tree.FindLessEqual("sub.example.com.")
		if !found || node == nil || node.Name != "sub.example.com." {
			t.Fatalf("FindLessEqual(sub) = %v, %v", found, node)
		}
	})

	t.Run("FindLessEqualPredecessor", func(t *testing.T) {
		// nope sorts between mail and sub.
		found, node := tree.FindLessEqual("nope.example.com.")
		if found {
			t.Fatal("nope should not be an exact match")
		}
		if node == nil || node.Name != "mail.example.com." {
			t.Fatalf("predecessor of nope = %v, want mail.example.com.", node)
		}
	})

	t.Run("FindLessEqualBeforeAll", func(t *testing.T) {
		found, node := tree.FindLessEqual("com.")
		if found || node != nil {
			t.Fatalf("FindLessEqual(com.) = %v, %v; want false, nil", found, node)
		}
	})

	t.Run("PreviousCircular", func(t *testing.T) {
		first := tree.Get("example.com.")
		prev := tree.Previous(first)
		if prev == nil || prev.Name != "www.example.com." {
			t.Fatalf("Previous(apex) = %v, want www (circular wrap)", prev)
		}
		last := tree.Get("www.example.com.")
		next := tree.Next(last)
		if next == nil || next.Name != "example.com." {
			t.Fatalf("Next(last) = %v, want apex (circular wrap)", next)
		}
	})

	t.Run("DuplicateInsert", func(t *testing.T) {
		fresh := NewZoneTree()
		if err := fresh.Insert(NewNode("x.example.com.")); err != nil {
			t.Fatal(err)
		}
		if err := fresh.Insert(NewNode("X.Example.Com.")); err == nil {
			t.Error("duplicate owner (case-folded) must be rejected")
		}
	})
}

func TestZoneTreeReverse(t *testing.T) {
	tree := buildTree(t, "example.com.", "a.example.com.", "b.example.com.")
	var got []string
	tree.ReverseOrder(func(n *Node) bool {
		got = append(got, n.Name)
		return true
	})
	if got[0] != "b.example.com." || got[2] != "example.com." {
		t.Errorf("reverse walk order wrong: %v", got)
	}
}
