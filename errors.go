package main

import "errors"

var (
	// ErrUnknownChar is returned when encoding a character the vocab has never seen.
	ErrUnknownChar = errors.New("character not in vocabulary")
	// ErrTokenRange is returned when decoding or feeding an ID outside the vocab.
	ErrTokenRange = errors.New("token id out of range")
	// ErrShortData is returned when a token sequence cannot hold one window plus its target.
	ErrShortData = errors.New("dataset shorter than block size")
	// ErrContextTooLong is returned when a forward pass gets more steps than the block size.
	ErrContextTooLong = errors.New("context longer than block size")
	// ErrBadOption is returned when a size, rate or other setting is out of range.
	ErrBadOption = errors.New("invalid option")
)
