package lmchat

import "embed"

// TemplateFS contains the embedded HTML templates used for rendering session transcripts.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the embedded stylesheet served under /static/ and linked from the transcript page.
//
//go:embed static/*
var StaticFS embed.FS
