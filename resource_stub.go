// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build !linux

package cancelable

import "errors"

// resourceProbe is unavailable on this platform; every sample fails and the
// resource condition source degrades to never triggering.
type resourceProbe struct{}

func newResourceProbe() *resourceProbe { return &resourceProbe{} }

func (p *resourceProbe) sample(diskPath string) (resourceUsage, error) {
	return resourceUsage{}, errors.New("resource sampling not supported on this platform")
}
