// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"io/ioutil"
	"log"
	"sort"
	"strings"
	"sync"
)

// Saver persists the canonical tree after a committing operation. The
// caller's user is passed along so the persistence layer can re-check
// the reservation on its side.
type Saver interface {
	Save(kind string, root *Node, user string) error
}

// UserProp is the reserved property key for the caller identity. The
// server drops it from incoming props and it never appears in stored
// props; the caller's user travels as an explicit argument instead.
const UserProp = "__user"

// Tree is a monitor over one resource tree. Reads take the lock in
// shared mode; all mutations, including persistence, run under the
// write lock.
type Tree struct {
	mu    sync.RWMutex
	kind  string
	alias string
	root  *Node
	res   map[string]*reservation
	saver Saver
	Elog  *log.Logger
	Dlog  *log.Logger
}

// reservation is the per-node reservation state. An entry with a nil
// working copy is RESERVED; one with a working copy is MODIFIED. No
// entry means FREE.
type reservation struct {
	user string
	work *Node
}

const (
	StateFree     = "free"
	StateReserved = "reserved"
	StateModified = "modified"
)

// NewTree builds a tree of the given kind ("testbed" or "sut") with an
// optional pre-loaded root. The alias is the query prefix peers may
// use ("tb", "sut").
func NewTree(kind, alias string, root *Node, saver Saver, elog *log.Logger) *Tree {
	if root == nil {
		root = &Node{Name: "", Path: "/"}
	}
	if elog == nil {
		elog = log.New(ioutil.Discard, "", 0)
	}
	return &Tree{
		kind:  kind,
		alias: alias,
		root:  root,
		res:   make(map[string]*reservation),
		saver: saver,
		Elog:  elog,
		Dlog:  elog,
	}
}

func (t *Tree) Kind() string { return t.kind }

// splitQuery normalizes a query path into its elements, dropping the
// tree alias prefix when present.
func (t *Tree) splitQuery(query string) []string {
	query = strings.Trim(strings.TrimSpace(query), "/")
	if query == "" {
		return nil
	}
	elems := strings.Split(query, "/")
	if len(elems) > 0 && elems[0] == t.alias {
		elems = elems[1:]
	}
	return elems
}

// reservableRoot returns the top-level element a path belongs to. The
// top-level nodes are the units of reservation.
func reservableRoot(elems []string) string {
	if len(elems) == 0 {
		return ""
	}
	return elems[0]
}

func (t *Tree) stateOf(top string) string {
	r, ok := t.res["/"+top]
	if !ok {
		return StateFree
	}
	if r.work == nil {
		return StateReserved
	}
	return StateModified
}

// ListAll returns a stable summary of the top-level nodes.
func (t *Tree) ListAll() []map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.root.Children))
	for name := range t.root.Children {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		holder := ""
		if r, ok := t.res["/"+name]; ok {
			holder = r.user
		}
		out = append(out, map[string]interface{}{
			"name":        name,
			"path":        "/" + name,
			"state":       t.stateOf(name),
			"reserved_by": holder,
		})
	}
	return out
}

// Get returns the content of a node. The holder of a modified
// reservation sees the working copy; everyone else sees the canonical
// tree.
func (t *Tree) Get(query, user string) (map[string]interface{}, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	elems := t.splitQuery(query)
	if len(elems) == 0 {
		return t.root.view(), nil
	}
	if r, ok := t.res["/"+reservableRoot(elems)]; ok && r.user == user && r.work != nil {
		if n := r.work.find(elems[1:]); n != nil {
			return n.view(), nil
		}
		return nil, &NotFoundError{Path: query}
	}
	n := t.root.find(elems)
	if n == nil {
		return nil, &NotFoundError{Path: query}
	}
	return n.view(), nil
}

// GetInfo returns only the meta mapping of a node.
func (t *Tree) GetInfo(query, user string) (map[string]string, error) {
	v, err := t.Get(query, user)
	if err != nil {
		return nil, err
	}
	return v["meta"].(map[string]string), nil
}

// IsReserved returns the current holder, or the empty string for FREE.
func (t *Tree) IsReserved(query string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	elems := t.splitQuery(query)
	if len(elems) == 0 {
		return "", &NotFoundError{Path: query}
	}
	if t.root.find(elems[:1]) == nil {
		return "", &NotFoundError{Path: query}
	}
	if r, ok := t.res["/"+reservableRoot(elems)]; ok {
		return r.user, nil
	}
	return "", nil
}

// Reserve moves a FREE node to RESERVED for the caller. Re-reserving
// a node already held by the caller is not an error.
func (t *Tree) Reserve(query, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	elems := t.splitQuery(query)
	if len(elems) == 0 {
		return &NotFoundError{Path: query}
	}
	top := "/" + reservableRoot(elems)
	if t.root.find(elems[:1]) == nil {
		return &NotFoundError{Path: query}
	}
	if r, ok := t.res[top]; ok {
		if r.user == user {
			return nil
		}
		return &AlreadyReservedError{Holder: r.user}
	}
	t.res[top] = &reservation{user: user}
	t.Dlog.Printf("%s: user `%s` reserved `%s`", t.kind, user, top)
	return nil
}

// Release drops an unmodified reservation. A modified reservation must
// go through save-release or discard-release.
func (t *Tree) Release(query, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	elems := t.splitQuery(query)
	top := "/" + reservableRoot(elems)
	r, ok := t.res[top]
	if !ok || r.user != user {
		return &NotReservedError{Path: top, User: user}
	}
	if r.work != nil {
		return &UnsavedChangesError{Path: top}
	}
	delete(t.res, top)
	return nil
}

// workNode locates the node at elems inside the caller's working copy,
// creating the working copy from the canonical tree on first use.
// Callers must hold the write lock.
func (t *Tree) workNode(elems []string, user string) (*reservation, *Node, error) {
	top := "/" + reservableRoot(elems)
	r, ok := t.res[top]
	if !ok || r.user != user {
		return nil, nil, &NotReservedError{Path: top, User: user}
	}
	if r.work == nil {
		canonical := t.root.find(elems[:1])
		if canonical == nil {
			return nil, nil, &NotFoundError{Path: top}
		}
		r.work = canonical.copy()
	}
	n := r.work.find(elems[1:])
	if n == nil {
		return nil, nil, &NotFoundError{Path: strings.Join(elems, "/")}
	}
	return r, n, nil
}

// Set merges props into the node, writing to the working copy only.
func (t *Tree) Set(name, parent string, props map[string]string, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	elems := append(t.splitQuery(parent), name)
	_, n, err := t.workNode(elems, user)
	if err != nil {
		return err
	}
	if n.Props == nil {
		n.Props = make(map[string]string)
	}
	for k, v := range props {
		n.Props[k] = v
	}
	return nil
}

// UpdateMeta merges props into the node's meta mapping.
func (t *Tree) UpdateMeta(name, parent string, props map[string]string, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	elems := append(t.splitQuery(parent), name)
	_, n, err := t.workNode(elems, user)
	if err != nil {
		return err
	}
	if n.Meta == nil {
		n.Meta = make(map[string]string)
	}
	for k, v := range props {
		n.Meta[k] = v
	}
	return nil
}

// CreateNew creates a node. At the root there is no reservable
// ancestor, so the node goes straight into the canonical tree and is
// persisted; anywhere deeper the create lands in the caller's working
// copy.
func (t *Tree) CreateNew(name, parent string, props map[string]string, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	elems := t.splitQuery(parent)
	if len(elems) == 0 {
		if t.root.child(name) != nil {
			return &ExistsError{Path: "/" + name}
		}
		t.root.addChild(NewNode(name, "/", props))
		return t.save(user)
	}
	return t.createComponent(name, elems, props, user)
}

// CreateComponent creates a child node under an existing, reserved
// parent.
func (t *Tree) CreateComponent(name, parent string, props map[string]string, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	elems := t.splitQuery(parent)
	if len(elems) == 0 {
		return &NotFoundError{Path: parent}
	}
	return t.createComponent(name, elems, props, user)
}

func (t *Tree) createComponent(name string, parentElems []string, props map[string]string, user string) error {
	_, p, err := t.workNode(parentElems, user)
	if err != nil {
		return err
	}
	if p.child(name) != nil {
		return &ExistsError{Path: joinPath(p.Path, name)}
	}
	p.addChild(NewNode(name, p.Path, props))
	return nil
}

// Rename renames a node inside the working copy. Renaming the
// reservable node itself re-keys its reservation on save.
func (t *Tree) Rename(query, newName, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	elems := t.splitQuery(query)
	if len(elems) == 0 {
		return &NotFoundError{Path: query}
	}
	r, n, err := t.workNode(elems, user)
	if err != nil {
		return err
	}
	if len(elems) == 1 {
		r.work.Name = newName
		r.work.rebase("/")
		return nil
	}
	parent := r.work.find(elems[1 : len(elems)-1])
	if parent.child(newName) != nil {
		return &ExistsError{Path: joinPath(parent.Path, newName)}
	}
	delete(parent.Children, n.Name)
	n.Name = newName
	n.rebase(parent.Path)
	parent.addChild(n)
	return nil
}

// RenameMeta renames one key of a node's meta mapping.
func (t *Tree) RenameMeta(query, metaKey, newName, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	elems := t.splitQuery(query)
	_, n, err := t.workNode(elems, user)
	if err != nil {
		return err
	}
	v, ok := n.Meta[metaKey]
	if !ok {
		return &NotFoundError{Path: query + ":" + metaKey}
	}
	delete(n.Meta, metaKey)
	if n.Meta == nil {
		n.Meta = make(map[string]string)
	}
	n.Meta[newName] = v
	return nil
}

// Delete removes a node. Deleting a reservable node requires holding
// its reservation and takes effect immediately in the canonical tree;
// deleting below it lands in the working copy.
func (t *Tree) Delete(query, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	elems := t.splitQuery(query)
	if len(elems) == 0 {
		return &NotFoundError{Path: query}
	}
	top := "/" + reservableRoot(elems)
	if len(elems) == 1 {
		r, ok := t.res[top]
		if !ok || r.user != user {
			return &NotReservedError{Path: top, User: user}
		}
		if t.root.child(elems[0]) == nil {
			return &NotFoundError{Path: query}
		}
		delete(t.root.Children, elems[0])
		delete(t.res, top)
		return t.save(user)
	}
	return t.deleteComponent(elems, user)
}

// DeleteComponent removes a node below the reservable level from the
// working copy.
func (t *Tree) DeleteComponent(query, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	elems := t.splitQuery(query)
	if len(elems) < 2 {
		return &NotFoundError{Path: query}
	}
	return t.deleteComponent(elems, user)
}

func (t *Tree) deleteComponent(elems []string, user string) error {
	r, n, err := t.workNode(elems, user)
	if err != nil {
		return err
	}
	parent := r.work.find(elems[1 : len(elems)-1])
	delete(parent.Children, n.Name)
	return nil
}

// SaveReserved commits the working copy to the canonical tree and
// persists it; the reservation is kept.
func (t *Tree) SaveReserved(query, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.saveReserved(t.splitQuery(query), user)
	return err
}

// saveReserved commits the working copy and returns the (possibly
// re-keyed) reservation key.
func (t *Tree) saveReserved(elems []string, user string) (string, error) {
	if len(elems) == 0 {
		return "", &NotFoundError{Path: "/"}
	}
	top := "/" + reservableRoot(elems)
	r, ok := t.res[top]
	if !ok || r.user != user {
		return "", &NotReservedError{Path: top, User: user}
	}
	if r.work == nil {
		// Nothing modified; saving is a no-op.
		return top, nil
	}
	delete(t.root.Children, reservableRoot(elems))
	t.root.addChild(r.work)
	// A renamed reservable node moves its reservation key.
	if "/"+r.work.Name != top {
		delete(t.res, top)
		t.res["/"+r.work.Name] = r
		top = "/" + r.work.Name
	}
	r.work = nil
	return top, t.save(user)
}

// SaveReservedAs clones the working copy (or the canonical state when
// nothing was modified) to a sibling node with the given name. The
// source node and its reservation are untouched.
func (t *Tree) SaveReservedAs(name, query, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	elems := t.splitQuery(query)
	if len(elems) == 0 {
		return &NotFoundError{Path: query}
	}
	top := "/" + reservableRoot(elems)
	r, ok := t.res[top]
	if !ok || r.user != user {
		return &NotReservedError{Path: top, User: user}
	}
	if t.root.child(name) != nil {
		return &ExistsError{Path: "/" + name}
	}
	src := r.work
	if src == nil {
		src = t.root.find(elems[:1])
	}
	clone := src.copy()
	clone.Name = name
	clone.rebase("/")
	t.root.addChild(clone)
	return t.save(user)
}

// SaveReleaseReserved saves and releases atomically; terminal state is
// FREE.
func (t *Tree) SaveReleaseReserved(query, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	top, err := t.saveReserved(t.splitQuery(query), user)
	if err != nil {
		return err
	}
	delete(t.res, top)
	return nil
}

// DiscardReleaseReserved drops the working copy and releases; the
// canonical tree is untouched.
func (t *Tree) DiscardReleaseReserved(query, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	elems := t.splitQuery(query)
	top := "/" + reservableRoot(elems)
	r, ok := t.res[top]
	if !ok || r.user != user {
		return &NotReservedError{Path: top, User: user}
	}
	r.work = nil
	delete(t.res, top)
	t.Dlog.Printf("%s: user `%s` discarded and released `%s`", t.kind, user, top)
	return nil
}

func (t *Tree) save(user string) error {
	if t.saver == nil {
		return nil
	}
	if err := t.saver.Save(t.kind, t.root, user); err != nil {
		t.Elog.Printf("%s: persist failed: %s", t.kind, err)
		return err
	}
	return nil
}
