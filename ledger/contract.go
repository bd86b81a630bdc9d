package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ABI fragments for the two contracts the backend consumes. The function and
// event signatures are a fixed external interface and must not be changed.
const roomNightTokenABI = `[
  {"type":"function","name":"mintTokens","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"},{"name":"quantity","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"burn","stateMutability":"nonpayable","inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"},{"name":"value","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"createRoomType","stateMutability":"nonpayable","inputs":[{"name":"_hotelId","type":"string"},{"name":"_roomName","type":"string"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"nextTokenId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"BookingRedeemed","inputs":[{"name":"redeemedBy","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true},{"name":"quantity","type":"uint256","indexed":false},{"name":"bookingDetails","type":"string","indexed":false}]}
]`

const tokenEscrowABI = `[
  {"type":"event","name":"SaleCreated","inputs":[{"name":"saleId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":false},{"name":"quantity","type":"uint256","indexed":false}]},
  {"type":"event","name":"SaleReleased","inputs":[{"name":"saleId","type":"uint256","indexed":true}]},
  {"type":"event","name":"SaleCancelled","inputs":[{"name":"saleId","type":"uint256","indexed":true}]}
]`

var (
	tokenABI  = mustParseABI(roomNightTokenABI)
	escrowABI = mustParseABI(tokenEscrowABI)

	bookingRedeemedTopic = ethcrypto.Keccak256Hash([]byte("BookingRedeemed(address,uint256,uint256,string)"))
	saleCreatedTopic     = ethcrypto.Keccak256Hash([]byte("SaleCreated(uint256,address,address,uint256,uint256)"))
	saleReleasedTopic    = ethcrypto.Keccak256Hash([]byte("SaleReleased(uint256)"))
	saleCancelledTopic   = ethcrypto.Keccak256Hash([]byte("SaleCancelled(uint256)"))
)

func unpackRevert(data []byte) (string, error) {
	return abi.UnpackRevert(data)
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("ledger: invalid contract ABI: " + err.Error())
	}
	return parsed
}
