package printer

import "github.com/dsa110/contimg/internal/model"

// Printer knows how to print pipeline information in different formats.
type Printer interface {
	PrintGroupList(groups []model.FileGroup) error
	PrintGroupStatus(group model.FileGroup) error
	PrintTaskList(tasks []model.Task) error
	PrintCalSetList(sets []model.CalibrationSet) error
	PrintMessage(msg string) error
}
