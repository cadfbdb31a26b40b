package storage

import (
	"fmt"
)

// ErrInitRDBMS implements "error", for the description see Error.
type ErrInitRDBMS struct {
	Err error
	DSN string
}

func (err ErrInitRDBMS) Error() string {
	return fmt.Sprintf("unable to initialize a RDBMS client (DSN: '%s'): %v", err.DSN, err.Err)
}

func (err ErrInitRDBMS) Unwrap() error {
	return err.Err
}

// ErrRDBMSPing implements "error", for the description see Error.
type ErrRDBMSPing struct {
	Err error
}

func (err ErrRDBMSPing) Error() string {
	return fmt.Sprintf("unable to ping the RDBMS server: %v", err.Err)
}

func (err ErrRDBMSPing) Unwrap() error {
	return err.Err
}

// ErrInitSchema implements "error", for the description see Error.
type ErrInitSchema struct {
	Err       error
	Statement string
}

func (err ErrInitSchema) Error() string {
	return fmt.Sprintf("unable to initialize the index schema (statement: '%s'): %v", err.Statement, err.Err)
}

func (err ErrInitSchema) Unwrap() error {
	return err.Err
}

// ErrSelect implements "error", for the description see Error.
type ErrSelect struct {
	Err error
}

func (err ErrSelect) Error() string {
	return fmt.Sprintf("unable to select rows: %v", err.Err)
}

func (err ErrSelect) Unwrap() error {
	return err.Err
}

// ErrInsert implements "error", for the description see Error.
type ErrInsert struct {
	Err error
}

func (err ErrInsert) Error() string {
	return fmt.Sprintf("unable to insert rows: %v", err.Err)
}

func (err ErrInsert) Unwrap() error {
	return err.Err
}

// ErrUpdate implements "error", for the description see Error.
type ErrUpdate struct {
	Err error
}

func (err ErrUpdate) Error() string {
	return fmt.Sprintf("unable to update rows: %v", err.Err)
}

func (err ErrUpdate) Unwrap() error {
	return err.Err
}
