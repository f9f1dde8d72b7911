package com

import "github.com/rs/xid"

// Uid is a sortable globally unique id of a network client.
type Uid struct {
	xid.ID
}

var NilUid = Uid{xid.NilID()}

func NewUid() Uid { return Uid{xid.New()} }

// ParseUid reads the string form of an id.
func ParseUid(s string) (Uid, error) {
	id, err := xid.FromString(s)
	if err != nil {
		return NilUid, err
	}
	return Uid{id}, nil
}

func (u Uid) IsEmpty() bool { return u.IsNil() }

// Short returns a compact form for logs.
func (u Uid) Short() string { s := u.String(); return s[:3] + "." + s[len(s)-3:] }
