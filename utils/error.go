package utils

import "errors"

var ErrorStorageNotConfigured = errors.New("object storage is not configured")
