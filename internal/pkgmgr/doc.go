// SPDX-License-Identifier: MPL-2.0

// Package pkgmgr installs OS package sets through an external package
// manager. InstallSet always purges the manager's download cache afterwards,
// whether or not the installation succeeded.
package pkgmgr
