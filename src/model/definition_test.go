package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobDefinition_Excludes(t *testing.T) {
	def := &JobDefinition{
		SizeUpToMB:      10,
		ExcludedNames:   map[string]struct{}{"big": {}},
		ExcludePatterns: []string{"world"},
	}

	assert.False(t, def.Excludes(WorkItem{LogicalName: "Small", SizeBytes: 5 << 20}))
	assert.True(t, def.Excludes(WorkItem{LogicalName: "Big", SizeBytes: 1}), "names compare case-insensitively")
	assert.True(t, def.Excludes(WorkItem{LogicalName: "World_seamarks", SizeBytes: 1}))
	assert.True(t, def.Excludes(WorkItem{LogicalName: "Small", SizeBytes: 11 << 20}))
}

func TestJobDefinition_UnlimitedSize(t *testing.T) {
	def := &JobDefinition{SizeUpToMB: -1}
	assert.False(t, def.Excludes(WorkItem{LogicalName: "Huge", SizeBytes: 1 << 40}))

	zero := &JobDefinition{SizeUpToMB: 0}
	assert.True(t, zero.Excludes(WorkItem{LogicalName: "Tiny", SizeBytes: 1}))
}

func TestPlaceholders_Resolve(t *testing.T) {
	item := WorkItem{FileName: "germany_berlin.osm.pbf", TargetName: "Germany_berlin_2.obf"}
	p := NewPlaceholders(item, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, "gen-germany_berlin-2026-03", p.Resolve("gen-{0}-{1}"))
	assert.Equal(t, "s3://bucket/2026-03/Germany_berlin_2.obf", p.Resolve("s3://bucket/{month}/{2}"))
	assert.Equal(t, "plain", p.Resolve("plain"))
}

func TestParseBackendType(t *testing.T) {
	bt, ok := ParseBackendType("Docker")
	assert.True(t, ok)
	assert.Equal(t, BackendContainer, bt)

	bt, ok = ParseBackendType("aws")
	assert.True(t, ok)
	assert.Equal(t, BackendCloud, bt)

	_, ok = ParseBackendType("k8s")
	assert.False(t, ok)
}

func TestWorkItem_FileBase(t *testing.T) {
	assert.Equal(t, "Berlin", WorkItem{FileName: "Berlin.osm.pbf"}.FileBase())
	assert.Equal(t, "README", WorkItem{FileName: "README"}.FileBase())
	assert.Equal(t, "", WorkItem{FileName: ".hidden"}.FileBase())
}
