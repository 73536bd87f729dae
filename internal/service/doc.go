// Package service implements the scan loop of the sniffer.
//
// The Orchestrator caches sources, source groups and definitions. The
// Catalog announces every configuration edit, which updates the cache and
// invalidates the grouped index (source to applicable definitions). The
// index is rebuilt on the next sweep only.
//
// Data flow of one sweep:
//
//	Orchestrator            repository plugin          Runner          Store
//	    |  index()                 |                      |               |
//	    |--- per source (max 2) -->| Revisions()          |               |
//	    |   for each revision      |                      |               |
//	    |   RevisionDefinitions ---------------------------------------->|
//	    |   skip or scan           |                      |               |
//	    |   uniquePath, Checkout ->|                      |               |
//	    |   per definition  ------------------------------>| Execute       |
//	    |                          |                      |-- checks --   |
//	    |   StoreReport, StoreRevision ------------------------------->|
//	    |   RemoveAll working copy |                      |               |
//
// Invariants:
//   - A revision without a scan record is always scanned.
//   - A revision is rescanned when an applicable definition is missing in
//     its record or has a different version. Recorded definitions which no
//     longer apply never force a rescan.
//   - Revisions of a source and definitions of a revision run sequentially.
//   - A check which cannot run becomes an Error asset, the other checks of
//     the definition still run.
//   - Errors of one source never stop the scans of other sources.
package service
