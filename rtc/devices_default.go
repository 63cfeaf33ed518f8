/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

//go:build !mediadevices

package rtc

// DefaultDevices returns synthetic devices. Build with -tags mediadevices
// to capture from real hardware.
func DefaultDevices() MediaDevices {
	return &SyntheticDevices{}
}
