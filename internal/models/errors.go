package models

import (
	"errors"
	"fmt"
)

var (
	errNoIdentifier = errors.New("operation carries neither syncId nor entityId")
	errNoPayload    = errors.New("create/update operation has no payload")
)

func errBadKind(k OpKind) error {
	return fmt.Errorf("unknown operation kind: %q", k)
}
