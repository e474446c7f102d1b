// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"strings"

	"github.com/ctgriffiths/twister/resource"
)

// Resource allocator façade. The test-bed and SUT trees expose the
// same surface, differing only in names; the SUT tree additionally has
// save-as, rename-meta, delete-component and get-info. Every operation
// passes the caller's user to the tree, which hands it to the
// persistence layer on each save. The reserved user key is dropped from
// incoming props; the user is not written into props.

// toProps converts a wire props map into the stored representation,
// dropping the reserved user key.
func toProps(in map[string]interface{}, user string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		if k == resource.UserProp {
			continue
		}
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// splitMetaQuery splits the `path:meta_key` form used by the meta
// operations.
func splitMetaQuery(query string) (string, string) {
	if i := strings.LastIndex(query, ":"); i >= 0 {
		return query[:i], query[i+1:]
	}
	return query, ""
}

// # # #  Test bed  # # #

//List all test beds.
func (d *Disp) ListAllTbs() (interface{}, error) {
	if d.checkLogin() == "" {
		return denied()
	}
	return d.srv.tb.ListAll(), nil
}

//Get resource content.
func (d *Disp) GetTb(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	v, err := d.srv.tb.Get(query, user)
	if err != nil {
		d.ctx.Wlog.Printf("%s", err)
		return errResult(err)
	}
	return v, nil
}

//New TB.
func (d *Disp) CreateNewTb(name, parent string, props map[string]interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.tb.CreateNew(name, parent, toProps(props, user), user))
}

//New TB component.
func (d *Disp) CreateComponentTb(name, parent string, props map[string]interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.tb.CreateComponent(name, parent, toProps(props, user), user))
}

//Update meta.
func (d *Disp) UpdateMetaTb(name, parent string, props map[string]interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.tb.UpdateMeta(name, parent, toProps(props, user), user))
}

//Update a TB.
func (d *Disp) SetTb(name, parent string, props map[string]interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.tb.Set(name, parent, toProps(props, user), user))
}

//Rename a resource.
func (d *Disp) RenameTb(query, newName string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.tb.Rename(query, newName, user))
}

//Delete a resource.
func (d *Disp) DeleteTb(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.tb.Delete(query, user))
}

//Check if a resource is reserved; returns the holder or empty.
func (d *Disp) IsTbReserved(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	holder, err := d.srv.tb.IsReserved(query)
	if err != nil {
		return errResult(err)
	}
	return holder, nil
}

//Reserve a resource.
func (d *Disp) ReserveTb(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.tb.Reserve(query, user))
}

//Save a reserved resource and keep it reserved.
func (d *Disp) SaveReservedTb(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.tb.SaveReserved(query, user))
}

//Save and release a resource.
func (d *Disp) SaveReleaseReservedTb(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.tb.SaveReleaseReserved(query, user))
}

//Drop changes and release a resource.
func (d *Disp) DiscardReleaseReservedTb(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.tb.DiscardReleaseReserved(query, user))
}

// # # #  SUT  # # #

//List all SUTs.
func (d *Disp) ListAllSuts() (interface{}, error) {
	if d.checkLogin() == "" {
		return denied()
	}
	return d.srv.sut.ListAll(), nil
}

//Get SUT content.
func (d *Disp) GetSut(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	v, err := d.srv.sut.Get(query, user)
	if err != nil {
		d.ctx.Wlog.Printf("%s", err)
		return errResult(err)
	}
	return v, nil
}

//Get SUT meta.
func (d *Disp) GetInfoSut(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	v, err := d.srv.sut.GetInfo(query, user)
	if err != nil {
		return errResult(err)
	}
	return v, nil
}

//New SUT.
func (d *Disp) CreateNewSut(name, parent string, props map[string]interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.sut.CreateNew(name, parent, toProps(props, user), user))
}

//New SUT component.
func (d *Disp) CreateComponentSut(name, parent string, props map[string]interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.sut.CreateComponent(name, parent, toProps(props, user), user))
}

//Update meta.
func (d *Disp) UpdateMetaSut(name, parent string, props map[string]interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.sut.UpdateMeta(name, parent, toProps(props, user), user))
}

//Update a SUT.
func (d *Disp) SetSut(name, parent string, props map[string]interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.sut.Set(name, parent, toProps(props, user), user))
}

//Rename a SUT.
func (d *Disp) RenameSut(query, newName string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.sut.Rename(query, newName, user))
}

//Rename a SUT meta key; the query is `path:meta_key`.
func (d *Disp) RenameMetaSut(query, newName string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	path, metaKey := splitMetaQuery(query)
	if metaKey == "" {
		return errResult(fmt.Errorf("invalid meta query `%s`", query))
	}
	return d.treeResult(d.srv.sut.RenameMeta(path, metaKey, newName, user))
}

//Delete a SUT.
func (d *Disp) DeleteSut(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.sut.Delete(query, user))
}

//Delete a SUT component.
func (d *Disp) DeleteComponentSut(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.sut.DeleteComponent(query, user))
}

//Check if a SUT is reserved; returns the holder or empty.
func (d *Disp) IsSutReserved(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	holder, err := d.srv.sut.IsReserved(query)
	if err != nil {
		return errResult(err)
	}
	return holder, nil
}

//Reserve a SUT.
func (d *Disp) ReserveSut(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.sut.Reserve(query, user))
}

//Save a SUT and keep it reserved.
func (d *Disp) SaveReservedSut(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.sut.SaveReserved(query, user))
}

//Save a SUT with a different name; the source keeps its state.
func (d *Disp) SaveReservedSutAs(name, query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.sut.SaveReservedAs(name, query, user))
}

//Save SUT changes and release.
func (d *Disp) SaveReleaseReservedSut(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.sut.SaveReleaseReserved(query, user))
}

//Drop changes and release a SUT.
func (d *Disp) DiscardReleaseReservedSut(query string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.treeResult(d.srv.sut.DiscardReleaseReserved(query, user))
}

// treeResult maps reservation-engine errors to the wire shape.
func (d *Disp) treeResult(err error) (interface{}, error) {
	if err != nil {
		return errResult(err)
	}
	return true, nil
}
