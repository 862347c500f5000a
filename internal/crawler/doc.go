// Package crawler defines the domain model, collaborator interfaces and error
// taxonomy shared by the frontier, the persistence layer and the page
// pipeline.
package crawler
