package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfRangeError is returned when an offset or size does not fit inside the region it refers to
var OutOfRangeError error = errors.New("range is outside the managed region")
