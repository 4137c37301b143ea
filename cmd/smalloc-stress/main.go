// Command smalloc-stress runs a randomized allocation workload against a fresh heap and reports what
// happened to it.
package main

func main() {
	execute()
}
