// Code generated by dependgen — DO NOT EDIT.
package store

import "github.com/srgg/testify/depend"

var StoreTestSuiteTestRegistry = map[string]func(any){
	"TestRecordUpserts": func(s any) { s.(*StoreTestSuite).TestRecordUpserts() },
	"TestPeersOrderedByLastSeen": func(s any) { s.(*StoreTestSuite).TestPeersOrderedByLastSeen() },
	"TestMarkConnectedAndForget": func(s any) { s.(*StoreTestSuite).TestMarkConnectedAndForget() },
	"TestRecordRejectsEmptyAddress": func(s any) { s.(*StoreTestSuite).TestRecordRejectsEmptyAddress() },
	"TestReopenKeepsData": func(s any) { s.(*StoreTestSuite).TestReopenKeepsData() },
}

var StoreTestSuiteTestOrder = []string{
	"TestRecordUpserts",
	"TestPeersOrderedByLastSeen",
	"TestMarkConnectedAndForget",
	"TestRecordRejectsEmptyAddress",
	"TestReopenKeepsData",
}

var StoreTestSuiteDependencies = depend.Depends(func(s any) *depend.Dep {
	dep := new(depend.Dep)
	dep.On("TestReopenKeepsData", "TestRecordUpserts")
	return dep
})

// GeneratedDependConfig returns the dependency configuration for StoreTestSuite.
// This method allows StoreTestSuite to be used with depend.RunSuite(t, suite).
// DO NOT implement this method manually - it is auto-generated.
func (s *StoreTestSuite) GeneratedDependConfig() *depend.SuiteConfig {
	return &depend.SuiteConfig{
		Registry: StoreTestSuiteTestRegistry,
		Order:    StoreTestSuiteTestOrder,
		Deps:     StoreTestSuiteDependencies,
	}
}
