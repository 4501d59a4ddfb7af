// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"indexbatcher/src/model"
)

// CatalogFile models the batch configuration document.
type CatalogFile struct {
	DockerSlots int         `yaml:"docker_slots,omitempty"`
	Jobs        []JobEntry  `yaml:"jobs"`
	Regions     []RegionSet `yaml:"regions,omitempty"`
}

// JobEntry declares one job definition.
type JobEntry struct {
	Name               string        `yaml:"name"`
	Type               string        `yaml:"type"`
	Queue              string        `yaml:"queue,omitempty"`
	Definition         string        `yaml:"definition,omitempty"`
	Order              int           `yaml:"order,omitempty"`
	SlotsPerJob        *int          `yaml:"slots_per_job,omitempty"`
	FreeRAMToStartPerc int           `yaml:"free_ram_to_start_perc,omitempty"`
	FreeRAMToStopPerc  int           `yaml:"free_ram_to_stop_perc,omitempty"`
	SizeUpToMB         *int          `yaml:"size_up_to_mb,omitempty"`
	Parameters         []ParamEntry  `yaml:"parameters,omitempty"`
	Filters            []FilterEntry `yaml:"filters,omitempty"`
}

type ParamEntry struct {
	K string `yaml:"k"`
	V string `yaml:"v"`
}

type FilterEntry struct {
	Exclude        string `yaml:"exclude,omitempty"`
	ExcludePattern string `yaml:"exclude_pattern,omitempty"`
}

// RegionSet lists remote inputs sharing one download site. Site is a format
// string where {0} is replaced by the region name.
type RegionSet struct {
	Site   string   `yaml:"site"`
	Prefix string   `yaml:"prefix,omitempty"`
	Suffix string   `yaml:"suffix,omitempty"`
	Names  []string `yaml:"names"`
	Skip   bool     `yaml:"skip,omitempty"`
}

// RemoteInput is one input that must be downloaded before dispatch.
type RemoteInput struct {
	URL      string
	FileName string // base name the download is saved under, without extension
}

// Catalog is the parsed, validated batch configuration.
type Catalog struct {
	DockerSlots int
	Definitions []*model.JobDefinition
	Remote      []RemoteInput
}

func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

func ParseCatalog(r io.Reader) (*Catalog, error) {
	var doc CatalogFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	cat := &Catalog{DockerSlots: doc.DockerSlots}
	for i, j := range doc.Jobs {
		def, err := j.definition()
		if err != nil {
			return nil, fmt.Errorf("job %d (%s): %w", i, j.Name, err)
		}
		cat.Definitions = append(cat.Definitions, def)
	}
	for _, rs := range doc.Regions {
		if rs.Skip || rs.Site == "" {
			continue
		}
		for _, name := range rs.Names {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			cat.Remote = append(cat.Remote, RemoteInput{
				URL:      strings.ReplaceAll(rs.Site, "{0}", name),
				FileName: capitalize(rs.Prefix + name + rs.Suffix),
			})
		}
	}
	return cat, nil
}

func (j JobEntry) definition() (*model.JobDefinition, error) {
	bt, ok := model.ParseBackendType(j.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", model.ErrInvalidDefinition, j.Type)
	}
	def := &model.JobDefinition{
		Name:               j.Name,
		Type:               bt,
		Queue:              j.Queue,
		Definition:         j.Definition,
		Order:              j.Order,
		SlotsPerJob:        1,
		FreeRAMToStartPerc: j.FreeRAMToStartPerc,
		FreeRAMToStopPerc:  j.FreeRAMToStopPerc,
		SizeUpToMB:         -1,
		ExcludedNames:      map[string]struct{}{},
	}
	if j.SlotsPerJob != nil {
		if *j.SlotsPerJob < 1 {
			return nil, fmt.Errorf("%w: slots_per_job must be >= 1", model.ErrInvalidDefinition)
		}
		def.SlotsPerJob = *j.SlotsPerJob
	}
	if j.SizeUpToMB != nil {
		def.SizeUpToMB = *j.SizeUpToMB
	}
	for _, p := range j.Parameters {
		def.Params = append(def.Params, model.Param{Key: p.K, Value: p.V})
	}
	for _, f := range j.Filters {
		if f.Exclude != "" {
			def.ExcludedNames[strings.ToLower(f.Exclude)] = struct{}{}
		}
		if f.ExcludePattern != "" {
			def.ExcludePatterns = append(def.ExcludePatterns, strings.ToLower(f.ExcludePattern))
		}
	}
	return def, nil
}

// capitalize upper-cases the first letter and lower-cases the rest.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}
