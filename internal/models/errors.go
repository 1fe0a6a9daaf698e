package models

import "errors"

// ErrNotFound — запись/ключ отсутствует в хранилище.
var ErrNotFound = errors.New("not found")
