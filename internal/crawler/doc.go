// Package crawler holds the domain types, collaborator interfaces, error
// taxonomy, and retry policy shared by every layer of the certification
// catalog crawl: plan building, session/batch/stage coordination, task
// workers, and the persistence providers.
package crawler
