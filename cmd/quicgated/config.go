// SPDX-FileCopyrightText: 2023 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/xmidt-org/sallust"

	"github.com/ptn1411/giano/internal/quictransport"
)

// Config is the application-level configuration for the quicgated demo
// binary, assembled by goschtalt from the built-in default below layered
// with any file/env overrides.
type Config struct {
	Logger sallust.Config
	QUIC   quictransport.Config

	// JWKSURL points at the JSON Web Key Set used to verify bearer tokens
	// presented during the auth handshake.
	JWKSURL string `validate:"empty=false"`

	// Issuer, when non-empty, is required to match the verified token's
	// "iss" claim.
	Issuer string

	// MediaSoupURL is handed back verbatim in every call_accepted event.
	MediaSoupURL string
}

func defaultConfig() Config {
	cfg := Config{QUIC: quictransport.DefaultConfig()}
	cfg.QUIC.Enabled = true
	return cfg
}
