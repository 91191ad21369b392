package a

import "goos32/vm"

func Good(ptr, size uint32) {
	if !vm.ValidateUserPtr(ptr, size) {
		return
	}
	_ = vm.CopyIn(ptr, size)
}

func GoodMapped(ptr, size uint32) {
	if !vm.ValidateUserPtrMapped(ptr, size) {
		return
	}
	vm.CopyOut(ptr, nil)
}

func Bad(ptr, size uint32) {
	_ = vm.CopyIn(ptr, size) // want `goos32/vm.CopyIn called before any vm.ValidateUserPtr/ValidateUserPtrMapped in Bad`
}

func BadString(ptr, max uint32) {
	_ = vm.CopyInString(ptr, max) // want `goos32/vm.CopyInString called before any vm.ValidateUserPtr/ValidateUserPtrMapped in BadString`
}
