/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package clock contains the clocks the PTP engine disciplines.

SysClock drives a kernel clock (CLOCK_REALTIME or a PHC device) through
clock_gettime, clock_settime and clock_adjtime. SimClock is a simulated
oscillator with configurable offset and drift used by the simulator and tests.
Serialized makes any Clock safe to share between ports.
*/
package clock
