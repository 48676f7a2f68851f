package schedoc

import "errors"

// ErrTaskNotFound is returned by stores when no record matches a filter.
var ErrTaskNotFound = errors.New("schedoc: task not found")

// ErrUnknownStatus is returned when an invalid status string is parsed.
var ErrUnknownStatus = errors.New("schedoc: unknown status")

// ErrEmptyName is returned when Schedule is called with an empty task name.
var ErrEmptyName = errors.New("schedoc: empty task name")
