/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package auth provides HTTP authentication and authorization for the
// distributor's admin surface (node registration, removal and drain). It extracts
// identity from headers an edge proxy sets after validating a JWT, and
// checks the resulting roles against policies stored in Postgres.
package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"
)

// Headers carrying identity set by the edge proxy in front of this service.
const (
	// HeaderUser contains the authenticated user identity (e.g., an email).
	HeaderUser = "X-Grid-User"
	// HeaderRoles contains comma-separated role names.
	HeaderRoles = "X-Grid-Roles"
)

// Well-known role names.
const (
	// RoleAdmin grants full access to all operations.
	RoleAdmin = "grid-admin"
	// RoleDefault is automatically added to every authenticated caller.
	RoleDefault = "grid-default"
)

// Info is the authentication information extracted from a request.
type Info struct {
	User  string
	Roles []string
}

// HasRole checks if the user has a specific role.
func (i *Info) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// IsAdmin checks if the user has admin privileges.
func (i *Info) IsAdmin() bool {
	return i.HasRole(RoleAdmin)
}

type contextKey string

const infoKey contextKey = "authInfo"

// InfoFromContext retrieves Info from the context.
func InfoFromContext(ctx context.Context) (*Info, bool) {
	info, ok := ctx.Value(infoKey).(*Info)
	return info, ok
}

// ContextWithInfo adds Info to the context.
func ContextWithInfo(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// ExtractInfo extracts authentication information from request headers.
// Returns nil if neither header is present (auth may be disabled upstream).
func ExtractInfo(h http.Header) *Info {
	user := strings.TrimSpace(h.Get(HeaderUser))
	rolesHeader := h.Get(HeaderRoles)
	if user == "" && rolesHeader == "" {
		return nil
	}

	info := &Info{User: user}
	if rolesHeader != "" {
		for _, role := range strings.Split(rolesHeader, ",") {
			if trimmed := strings.TrimSpace(role); trimmed != "" {
				info.Roles = append(info.Roles, trimmed)
			}
		}
	}
	return info
}
