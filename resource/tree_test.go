// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package resource_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/ctgriffiths/twister/resource"
)

// recordingSaver captures every persistence call.
type recordingSaver struct {
	mu    sync.Mutex
	saves []string
	root  *resource.Node
}

func (s *recordingSaver) Save(kind string, root *resource.Node, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, kind+":"+user)
	s.root = root
	return nil
}

func newTestTree(t *testing.T, nodes ...string) (*resource.Tree, *recordingSaver) {
	t.Helper()
	saver := &recordingSaver{}
	tree := resource.NewTree("testbed", "tb", nil, saver, nil)
	for _, name := range nodes {
		if err := tree.CreateNew(name, "/", map[string]string{"model": "m1"}, "setup"); err != nil {
			t.Fatal(err)
		}
	}
	return tree, saver
}

func getProp(t *testing.T, tree *resource.Tree, query, user, key string) string {
	t.Helper()
	v, err := tree.Get(query, user)
	if err != nil {
		t.Fatal(err)
	}
	return v["props"].(map[string]string)[key]
}

// Exactly one of two concurrent reservations wins; the loser learns
// who holds it.
func TestReserveExclusive(t *testing.T) {
	tree, _ := newTestTree(t, "rack1")

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	users := []string{"u1", "u2"}
	for i := range users {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = tree.Reserve("/tb/rack1", users[i])
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for i, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var conflict *resource.AlreadyReservedError
		if !errors.As(err, &conflict) {
			t.Fatalf("loser error = %v", err)
		}
		if conflict.Holder != users[1-i] {
			t.Errorf("conflict names %q, want %q", conflict.Holder, users[1-i])
		}
	}
	if winners != 1 {
		t.Fatalf("%d winners, want exactly 1", winners)
	}
}

func TestReserveIdempotentForHolder(t *testing.T) {
	tree, _ := newTestTree(t, "rack1")

	if err := tree.Reserve("/tb/rack1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := tree.Reserve("/tb/rack1", "u1"); err != nil {
		t.Fatalf("re-reserve by holder failed: %v", err)
	}
	if holder, _ := tree.IsReserved("/tb/rack1"); holder != "u1" {
		t.Fatalf("holder = %q", holder)
	}
}

// Reservation round-trip: a saved edit is visible afterwards and the
// working copy is gone.
func TestSaveReleaseRoundTrip(t *testing.T) {
	tree, saver := newTestTree(t, "rack1")

	if err := tree.Reserve("/rack1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := tree.Set("rack1", "/", map[string]string{"power": "on"}, "u1"); err != nil {
		t.Fatal(err)
	}

	// The edit is only visible to the holder before the save.
	if v := getProp(t, tree, "/rack1", "u1", "power"); v != "on" {
		t.Errorf("holder sees %q before save", v)
	}
	if v := getProp(t, tree, "/rack1", "u2", "power"); v != "" {
		t.Errorf("non-holder sees %q before save", v)
	}

	if err := tree.SaveReleaseReserved("/rack1", "u1"); err != nil {
		t.Fatal(err)
	}

	if v := getProp(t, tree, "/rack1", "u2", "power"); v != "on" {
		t.Errorf("saved value = %q", v)
	}
	if holder, _ := tree.IsReserved("/rack1"); holder != "" {
		t.Errorf("still reserved by %q after save-release", holder)
	}
	saver.mu.Lock()
	defer saver.mu.Unlock()
	if len(saver.saves) == 0 || saver.saves[len(saver.saves)-1] != "testbed:u1" {
		t.Errorf("saves = %v", saver.saves)
	}
}

// Discard drops the working copy without touching canonical state.
func TestDiscardIsNonDestructive(t *testing.T) {
	tree, _ := newTestTree(t, "rack1")

	if err := tree.Reserve("/rack1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := tree.Set("rack1", "/", map[string]string{"model": "m9"}, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := tree.DiscardReleaseReserved("/rack1", "u1"); err != nil {
		t.Fatal(err)
	}

	if v := getProp(t, tree, "/rack1", "u1", "model"); v != "m1" {
		t.Errorf("model = %q after discard, want pre-reserve value", v)
	}
	if holder, _ := tree.IsReserved("/rack1"); holder != "" {
		t.Errorf("still reserved by %q after discard", holder)
	}
}

// Mutations on a node the caller does not hold are refused.
func TestMutationRequiresReservation(t *testing.T) {
	tree, _ := newTestTree(t, "rack1")

	var notReserved *resource.NotReservedError

	err := tree.Set("rack1", "/", map[string]string{"k": "v"}, "u1")
	if !errors.As(err, &notReserved) {
		t.Errorf("Set without reservation: %v", err)
	}

	if err := tree.Reserve("/rack1", "u1"); err != nil {
		t.Fatal(err)
	}
	err = tree.Set("rack1", "/", map[string]string{"k": "v"}, "u2")
	if !errors.As(err, &notReserved) {
		t.Errorf("Set by non-holder: %v", err)
	}
	err = tree.Delete("/rack1", "u2")
	if !errors.As(err, &notReserved) {
		t.Errorf("Delete by non-holder: %v", err)
	}
}

// Only save-release or discard-release by the holder end a modified
// reservation; a plain release with unsaved changes is refused.
func TestReleaseWithUnsavedChanges(t *testing.T) {
	tree, _ := newTestTree(t, "rack1")

	tree.Reserve("/rack1", "u1")
	tree.Set("rack1", "/", map[string]string{"k": "v"}, "u1")

	var unsaved *resource.UnsavedChangesError
	if err := tree.Release("/rack1", "u1"); !errors.As(err, &unsaved) {
		t.Fatalf("release with unsaved changes: %v", err)
	}
	if err := tree.DiscardReleaseReserved("/rack1", "u1"); err != nil {
		t.Fatal(err)
	}
}

// Components created under a reservation appear only after save.
func TestComponentLifecycle(t *testing.T) {
	tree, _ := newTestTree(t, "rack1")

	tree.Reserve("/rack1", "u1")
	if err := tree.CreateComponent("shelf1", "/rack1", map[string]string{"slots": "8"}, "u1"); err != nil {
		t.Fatal(err)
	}

	if _, err := tree.Get("/rack1/shelf1", "u2"); err == nil {
		t.Error("unsaved component visible to others")
	}
	if _, err := tree.Get("/rack1/shelf1", "u1"); err != nil {
		t.Errorf("holder cannot see own component: %v", err)
	}

	if err := tree.SaveReserved("/rack1", "u1"); err != nil {
		t.Fatal(err)
	}
	if holder, _ := tree.IsReserved("/rack1"); holder != "u1" {
		t.Errorf("save dropped the reservation, holder = %q", holder)
	}
	if _, err := tree.Get("/rack1/shelf1", "u2"); err != nil {
		t.Errorf("saved component missing: %v", err)
	}

	if err := tree.DeleteComponent("/rack1/shelf1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := tree.SaveReleaseReserved("/rack1", "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Get("/rack1/shelf1", "u1"); err == nil {
		t.Error("deleted component still present")
	}
}

// Save-as clones the working copy under a new name; the source is
// untouched.
func TestSaveReservedAs(t *testing.T) {
	saver := &recordingSaver{}
	tree := resource.NewTree("sut", "sut", nil, saver, nil)
	if err := tree.CreateNew("gold", "/", map[string]string{"image": "v1"}, "setup"); err != nil {
		t.Fatal(err)
	}

	tree.Reserve("/gold", "u1")
	tree.Set("gold", "/", map[string]string{"image": "v2"}, "u1")
	if err := tree.SaveReservedAs("copy", "/gold", "u1"); err != nil {
		t.Fatal(err)
	}

	if v := getProp(t, tree, "/copy", "u2", "image"); v != "v2" {
		t.Errorf("clone image = %q", v)
	}
	// Canonical source still carries the old value; the working copy
	// stays pending.
	if v := getProp(t, tree, "/gold", "u2", "image"); v != "v1" {
		t.Errorf("source canonical image = %q", v)
	}
	if holder, _ := tree.IsReserved("/gold"); holder != "u1" {
		t.Errorf("source holder = %q", holder)
	}

	if err := tree.SaveReservedAs("gold2", "/missing", "u1"); err == nil {
		t.Error("save-as of unreserved path succeeded")
	}
}

// Meta updates and meta renames live beside props.
func TestMetaOperations(t *testing.T) {
	tree, _ := newTestTree(t, "rack1")

	tree.Reserve("/rack1", "u1")
	if err := tree.UpdateMeta("rack1", "/", map[string]string{"owner_team": "lab"}, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := tree.RenameMeta("/rack1", "owner_team", "team", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := tree.SaveReleaseReserved("/rack1", "u1"); err != nil {
		t.Fatal(err)
	}

	v, err := tree.Get("/rack1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	meta := v["meta"].(map[string]string)
	if meta["team"] != "lab" {
		t.Errorf("meta = %v", meta)
	}
	if _, ok := meta["owner_team"]; ok {
		t.Errorf("renamed meta key survived: %v", meta)
	}
}

// Renaming the reservable node itself re-keys its reservation on
// save.
func TestRenameReservableNode(t *testing.T) {
	tree, _ := newTestTree(t, "rack1")

	tree.Reserve("/rack1", "u1")
	if err := tree.Rename("/rack1", "rackA", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := tree.SaveReserved("/rack1", "u1"); err != nil {
		t.Fatal(err)
	}

	if _, err := tree.Get("/rackA", "u2"); err != nil {
		t.Errorf("renamed node missing: %v", err)
	}
	if _, err := tree.Get("/rack1", "u2"); err == nil {
		t.Error("old name still resolves")
	}
	if holder, _ := tree.IsReserved("/rackA"); holder != "u1" {
		t.Errorf("reservation did not follow the rename, holder = %q", holder)
	}
}

// Deleting a reservable node requires its reservation and frees it.
func TestDeleteReservable(t *testing.T) {
	tree, _ := newTestTree(t, "rack1", "rack2")

	tree.Reserve("/rack1", "u1")
	if err := tree.Delete("/rack1", "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Get("/rack1", "u1"); err == nil {
		t.Error("deleted node still resolves")
	}
	if holder, _ := tree.IsReserved("/rack1"); holder != "" {
		t.Errorf("deleted node still reserved by %q", holder)
	}

	list := tree.ListAll()
	if len(list) != 1 || list[0]["name"] != "rack2" {
		t.Errorf("ListAll = %v", list)
	}
}

// The alias prefix and the bare path address the same node.
func TestQueryAlias(t *testing.T) {
	tree, _ := newTestTree(t, "rack1")

	if err := tree.Reserve("/tb/rack1", "u1"); err != nil {
		t.Fatal(err)
	}
	if holder, _ := tree.IsReserved("/rack1"); holder != "u1" {
		t.Errorf("alias and bare path disagree, holder = %q", holder)
	}
}
